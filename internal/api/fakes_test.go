//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/zapbridge/internal/agent"
	"github.com/ashureev/zapbridge/internal/config"
	"github.com/ashureev/zapbridge/internal/connector"
	"github.com/ashureev/zapbridge/internal/domain"
	"github.com/ashureev/zapbridge/internal/identity"
	"github.com/ashureev/zapbridge/internal/policy"
	"github.com/ashureev/zapbridge/internal/statuscache"
	"github.com/ashureev/zapbridge/internal/statusstream"
	"github.com/ashureev/zapbridge/internal/store"
	"github.com/ashureev/zapbridge/internal/workflow"
)

type fakeRepo struct {
	mu        sync.Mutex
	instances map[string]*domain.Instance
	pingErr   error
	deleteErr []error // consumed one per DeleteInstance call
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{instances: make(map[string]*domain.Instance)}
}

func (f *fakeRepo) GetProfile(context.Context, string) (*domain.Profile, error) { return nil, nil }
func (f *fakeRepo) UpsertProfile(context.Context, *domain.Profile) error        { return nil }
func (f *fakeRepo) SetAdmin(context.Context, string, bool) error                { return nil }

func (f *fakeRepo) CreateInstance(_ context.Context, inst *domain.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[inst.Name]; ok {
		return store.ErrDuplicate
	}
	copy := *inst
	f.instances[inst.Name] = &copy
	return nil
}

func (f *fakeRepo) GetInstance(_ context.Context, name string) (*domain.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[name]
	if !ok {
		return nil, fmt.Errorf("instance %q: %w", name, store.ErrNotFound)
	}
	copy := *inst
	return &copy, nil
}

func (f *fakeRepo) ListInstances(_ context.Context, ownerID string) ([]*domain.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*domain.Instance{}
	for _, inst := range f.instances {
		if ownerID == "" || inst.OwnerID == ownerID {
			copy := *inst
			out = append(out, &copy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeRepo) UpdateInstance(_ context.Context, inst *domain.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[inst.Name]; !ok {
		return store.ErrNotFound
	}
	copy := *inst
	f.instances[inst.Name] = &copy
	return nil
}

func (f *fakeRepo) DeleteInstance(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deleteErr) > 0 {
		err := f.deleteErr[0]
		f.deleteErr = f.deleteErr[1:]
		if err != nil {
			return err
		}
	}
	if _, ok := f.instances[name]; !ok {
		return store.ErrNotFound
	}
	delete(f.instances, name)
	return nil
}

func (f *fakeRepo) Ping(context.Context) error { return f.pingErr }
func (f *fakeRepo) Close() error               { return nil }

func (f *fakeRepo) put(inst *domain.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[inst.Name] = inst
}

type sentText struct {
	instance, number, text string
}

type fakeConnector struct {
	mu         sync.Mutex
	state      string
	stateErr   error
	stateCalls int
	createErr  error
	created    []string
	deleted    []string
	sent       []sentText
}

func (f *fakeConnector) CreateInstance(_ context.Context, req connector.CreateRequest) (*connector.CreatedInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req.InstanceName+" "+req.WebhookURL)
	return &connector.CreatedInstance{InstanceID: "conn-" + req.InstanceName, Token: "tok-" + req.InstanceName, Status: "created"}, nil
}

func (f *fakeConnector) ConnectionState(_ context.Context, name string) (*connector.ConnectionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCalls++
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	raw, _ := json.Marshal(map[string]any{"instance": map[string]string{"instanceName": name, "state": f.state}})
	return &connector.ConnectionState{State: f.state, Raw: raw}, nil
}

func (f *fakeConnector) Connect(context.Context, string) (*connector.QRCode, error) {
	return &connector.QRCode{PairingCode: "ABCD1234", Count: 1}, nil
}

func (f *fakeConnector) DeleteInstance(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeConnector) SendText(_ context.Context, name, number, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentText{name, number, text})
	return nil
}

func (f *fakeConnector) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateCalls
}

type fakeRelay struct {
	mu     sync.Mutex
	err    error
	events []workflow.Event
	urls   []string
}

func (f *fakeRelay) Relay(_ context.Context, url string, event workflow.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	f.events = append(f.events, event)
	return f.err
}

type fakeChat struct {
	mu       sync.Mutex
	requests []agent.ChatRequest
}

func (f *fakeChat) Chat(_ context.Context, req agent.ChatRequest) (agent.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	key, err := req.Key()
	if err != nil {
		return agent.Reply{}, err
	}
	return agent.Reply{ConversationKey: key, Response: "auto: " + req.Message, TurnCount: 2, Outcome: agent.OutcomeCompleted}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		PublicURL: "https://console.example",
		StatusCache: config.StatusCacheConfig{
			BulkConcurrency: 2,
		},
		Retry: config.RetryConfig{
			DatabaseMaxRetries:     3,
			DatabaseRetryBaseDelay: time.Millisecond,
		},
	}
}

// withTestIdentity reads the caller from X-Test-User and X-Test-Role.
func withTestIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := r.Header.Get("X-Test-Role")
		if role == "" {
			role = domain.RoleMember
		}
		ctx := identity.WithUser(r.Context(), r.Header.Get("X-Test-User"), role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type instanceFixture struct {
	repo     *fakeRepo
	conn     *fakeConnector
	cache    *statuscache.Cache
	registry *statusstream.Registry
	router   http.Handler
}

func newInstanceFixture(t *testing.T) *instanceFixture {
	t.Helper()
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("policy engine: %v", err)
	}

	f := &instanceFixture{
		repo:     newFakeRepo(),
		conn:     &fakeConnector{state: "open"},
		cache:    statuscache.New(statuscache.DefaultConfig()),
		registry: statusstream.NewRegistry(),
	}
	statuses := NewStatusService(f.cache, f.conn)
	stream := statusstream.NewHandler(f.registry, statuses, time.Hour, nil)
	h := NewInstanceHandler(f.repo, f.conn, statuses, f.registry, stream, engine, testConfig())

	r := chi.NewRouter()
	r.Use(withTestIdentity)
	h.RegisterRoutes(r)
	f.router = r
	return f
}

func ownedInstance(name, owner string) *domain.Instance {
	now := time.Now()
	return &domain.Instance{ID: "id-" + name, Name: name, OwnerID: owner, CreatedAt: now, UpdatedAt: now}
}
