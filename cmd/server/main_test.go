package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"waste-sync/internal/apiclient"
	"waste-sync/internal/apperrors"
	"waste-sync/internal/clientsync"
	"waste-sync/internal/clock"
	"waste-sync/internal/config"
	"waste-sync/internal/connectivity"
	"waste-sync/internal/domain"
	"waste-sync/internal/events"
	"waste-sync/internal/idempotency"
	"waste-sync/internal/localstore"
	"waste-sync/internal/repository"
	"waste-sync/internal/service"
	"waste-sync/internal/syncop"
	"waste-sync/internal/writequeue"
	"waste-sync/pkg/jwt"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "e2e-secret"

type fixedCode string

func (c fixedCode) Generate() (string, error) { return string(c), nil }

type countingHandler struct {
	next     http.Handler
	payments atomic.Int32
	// dropFirstCreate answers the first create with 502 after the server
	// already handled it, like a response lost on the way back.
	dropFirstCreate bool
	dropped         atomic.Bool
}

func (h *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/payment") {
		h.payments.Add(1)
	}
	if h.dropFirstCreate && r.Method == http.MethodPost && r.URL.Path == "/api/waste-sales" && h.dropped.CompareAndSwap(false, true) {
		h.next.ServeHTTP(httptest.NewRecorder(), r)
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	h.next.ServeHTTP(w, r)
}

// heldExecutor lets a test hold every write behind a gate, like a slow
// database that outlasts the client's patience.
type heldExecutor struct {
	next writequeue.Executor
	mu   sync.Mutex
	gate chan struct{}
}

func (e *heldExecutor) Execute(ctx context.Context, op *writequeue.Operation) (any, error) {
	e.mu.Lock()
	gate := e.gate
	e.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return e.next.Execute(ctx, op)
}

func (e *heldExecutor) hold() {
	e.mu.Lock()
	e.gate = make(chan struct{})
	e.mu.Unlock()
}

func (e *heldExecutor) release() {
	e.mu.Lock()
	close(e.gate)
	e.gate = nil
	e.mu.Unlock()
}

type testEnv struct {
	server  *httptest.Server
	counter *countingHandler
	queue   *writequeue.Queue
	writes  *heldExecutor
}

func newTestEnv(t *testing.T, dropFirstCreate bool) *testEnv {
	t.Helper()

	log := zap.NewNop()
	cfg := &config.Config{
		JWT:   config.JWTConfig{Secret: testSecret},
		Redis: config.RedisConfig{IdempotencyTTL: time.Hour},
		CORS: config.CORSConfig{
			AllowedOrigins: "*",
			AllowedMethods: "GET,POST,PUT,PATCH,DELETE,OPTIONS",
			AllowedHeaders: "Content-Type,Authorization,Idempotency-Key",
		},
	}

	transactions := service.NewTransactionService(
		repository.NewMemoryTransactionRepository(),
		fixedCode("AB12CD"),
		service.NewNoopNotifier(),
		events.NewLogPublisher(log),
		0,
		log,
	)
	executor := service.NewRouter(transactions, repository.NewMemoryDocumentStore())
	writes := &heldExecutor{next: executor}
	queue := writequeue.New(writes, writequeue.Options{RetryDelay: time.Millisecond}, log)

	r := buildRouter(routerDeps{
		cfg:          cfg,
		log:          log,
		transactions: transactions,
		executor:     executor,
		queue:        queue,
		health:       repository.NewStaticHealthChecker(),
		idempotency:  idempotency.NewMemoryStore(nil),
	})

	counter := &countingHandler{next: r, dropFirstCreate: dropFirstCreate}
	srv := httptest.NewServer(counter)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		queue.Shutdown(ctx)
	})

	return &testEnv{server: srv, counter: counter, queue: queue, writes: writes}
}

type failure struct {
	op        syncop.QueuedOperation
	err       error
	exhausted bool
}

type failures struct {
	mu   sync.Mutex
	list []failure
}

func (f *failures) OperationFailed(op syncop.QueuedOperation, err error, exhausted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.list = append(f.list, failure{op: op, err: err, exhausted: exhausted})
}

func (f *failures) all() []failure {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]failure(nil), f.list...)
}

type agent struct {
	api        *apiclient.Client
	monitor    *connectivity.Monitor
	queue      *clientsync.Queue
	projection *clientsync.Projection
	failures   *failures
}

func (e *testEnv) agent(t *testing.T, userID string, role domain.Role) *agent {
	t.Helper()

	token, err := jwt.GenerateToken(userID, string(role), time.Hour, testSecret)
	require.NoError(t, err)

	api := apiclient.New(e.server.URL, token)
	store := localstore.New(localstore.NewMemoryBackend(), "", nil, nil)
	monitor := connectivity.NewMonitor(api, time.Hour, nil)
	projection := clientsync.NewProjection(store)
	fails := &failures{}

	queue := clientsync.New(store, api, monitor, clientsync.Options{
		Clock:    clock.NewFake(time.Now()),
		Optimist: projection,
		Notifier: fails,
	}, nil)
	queue.Init(context.Background())
	monitor.OnReconnect(queue.TriggerDrain)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		queue.Shutdown(ctx)
	})

	return &agent{api: api, monitor: monitor, queue: queue, projection: projection, failures: fails}
}

func (a *agent) goOnline(t *testing.T) {
	t.Helper()
	require.True(t, a.monitor.CheckNow(context.Background()))
}

func (a *agent) send(t *testing.T, intent syncop.Intent) syncop.QueuedOperation {
	t.Helper()
	op, err := a.queue.Enqueue(context.Background(), intent)
	require.NoError(t, err)
	a.waitIdle(t)
	return op
}

func (a *agent) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := a.queue.Status()
		return st.QueueLength == 0 && !st.IsProcessing
	}, 5*time.Second, 5*time.Millisecond)
}

func (a *agent) history(t *testing.T) []domain.WasteTransactionResponse {
	t.Helper()
	raw, err := a.api.Fetch(context.Background(), "wasteHistory")
	require.NoError(t, err)
	var out []domain.WasteTransactionResponse
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

// offline sale, queued with a local estimate, delivered on reconnect
func TestScenarioA_OfflineSaleSyncsOnReconnect(t *testing.T) {
	env := newTestEnv(t, false)
	worker := env.agent(t, "worker-1", domain.RoleWorker)

	op, err := worker.queue.Enqueue(context.Background(), syncop.CreateWasteSale{
		RecyclerID: "recycler-1", WasteType: "plastic", WeightKg: 10, PricePerKg: 15,
	})
	require.NoError(t, err)

	st := worker.queue.Status()
	assert.False(t, st.IsOnline)
	require.Equal(t, 1, st.QueueLength)
	assert.Equal(t, syncop.KindCreate, st.PendingOperations[0].Kind)

	local := worker.projection.History()
	require.Len(t, local, 1)
	assert.Equal(t, 150.0, local[0]["totalAmount"])
	assert.Equal(t, true, local[0]["pendingSync"])

	worker.goOnline(t)
	worker.waitIdle(t)

	sales := worker.history(t)
	require.Len(t, sales, 1)
	assert.Equal(t, op.ID, sales[0].ID)
	assert.Equal(t, domain.StatusPending, sales[0].Status)
	assert.Equal(t, 150.0, sales[0].TotalAmount)
	assert.Equal(t, "worker-1", sales[0].SellerID)

	local = worker.projection.History()
	assert.NotContains(t, local[0], "pendingSync")
	assert.Empty(t, worker.failures.all())
}

// full lifecycle through both parties' queues, and the code redeems once
func TestScenarioB_VerifiedPaymentRedeemsOnce(t *testing.T) {
	env := newTestEnv(t, false)
	worker := env.agent(t, "worker-1", domain.RoleWorker)
	recycler := env.agent(t, "recycler-1", domain.RoleRecycler)
	worker.goOnline(t)
	recycler.goOnline(t)

	sale := worker.send(t, syncop.CreateWasteSale{RecyclerID: "recycler-1", WasteType: "plastic", WeightKg: 10, PricePerKg: 15})
	id := sale.ID

	recycler.send(t, syncop.TransitionWasteSale{TransactionID: id, Status: "accepted"})
	recycler.send(t, syncop.TransitionWasteSale{TransactionID: id, Status: "processed"})

	tx, err := recycler.api.Transaction(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessed, tx.Status)
	assert.True(t, tx.HasVerificationCode)

	code, err := worker.api.VerificationCode(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "AB12CD", code.Code)

	recycler.send(t, syncop.PayWasteSale{TransactionID: id, VerificationCode: code.Code, PaymentMethod: "upi"})

	tx, err = worker.api.Transaction(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, tx.Status)
	assert.False(t, tx.HasVerificationCode)
	require.NotNil(t, tx.PaymentReference)
	assert.True(t, strings.HasPrefix(*tx.PaymentReference, "PAY-"))
	assert.Empty(t, recycler.failures.all())

	recycler.send(t, syncop.PayWasteSale{TransactionID: id, VerificationCode: "AB12CD", PaymentMethod: "upi"})

	fails := recycler.failures.all()
	require.Len(t, fails, 1)
	assert.False(t, fails[0].exhausted)
	assert.False(t, apperrors.IsRetryable(fails[0].err))

	_, err = worker.api.VerificationCode(context.Background(), id)
	assert.Error(t, err, "no active code after payment")
}

// a wrong code is a permanent failure: one request, no retries
func TestScenarioC_WrongCodeFailsWithoutRetry(t *testing.T) {
	env := newTestEnv(t, false)
	worker := env.agent(t, "worker-1", domain.RoleWorker)
	recycler := env.agent(t, "recycler-1", domain.RoleRecycler)
	worker.goOnline(t)
	recycler.goOnline(t)

	sale := worker.send(t, syncop.CreateWasteSale{RecyclerID: "recycler-1", WasteType: "metal", WeightKg: 4, PricePerKg: 30})
	recycler.send(t, syncop.TransitionWasteSale{TransactionID: sale.ID, Status: "accepted"})
	recycler.send(t, syncop.TransitionWasteSale{TransactionID: sale.ID, Status: "processed"})

	recycler.send(t, syncop.PayWasteSale{TransactionID: sale.ID, VerificationCode: "ZZ99ZZ", PaymentMethod: "cash"})

	assert.Equal(t, int32(1), env.counter.payments.Load())

	fails := recycler.failures.all()
	require.Len(t, fails, 1)
	assert.False(t, fails[0].exhausted)
	assert.Equal(t, 1, fails[0].op.Attempts)

	var httpErr *apperrors.HTTPError
	require.ErrorAs(t, fails[0].err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)

	tx, err := worker.api.Transaction(context.Background(), sale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessed, tx.Status)
}

// a lost response makes the client retry; the recorded answer is replayed
func TestLostResponseIsReplayedNotDuplicated(t *testing.T) {
	env := newTestEnv(t, true)
	worker := env.agent(t, "worker-1", domain.RoleWorker)
	worker.goOnline(t)

	worker.send(t, syncop.CreateWasteSale{RecyclerID: "recycler-1", WasteType: "glass", WeightKg: 3, PricePerKg: 5})

	assert.True(t, env.counter.dropped.Load())
	assert.Len(t, worker.history(t), 1)
	assert.Empty(t, worker.failures.all())
}

// the client gives up on a payment the server still applies; the replay must
// report that payment, not a spent code
func TestAbandonedPaymentIsReplayedAsSuccess(t *testing.T) {
	env := newTestEnv(t, false)
	worker := env.agent(t, "worker-1", domain.RoleWorker)
	recycler := env.agent(t, "recycler-1", domain.RoleRecycler)
	worker.goOnline(t)
	recycler.goOnline(t)

	sale := worker.send(t, syncop.CreateWasteSale{RecyclerID: "recycler-1", WasteType: "paper", WeightKg: 8, PricePerKg: 4})
	recycler.send(t, syncop.TransitionWasteSale{TransactionID: sale.ID, Status: "accepted"})
	recycler.send(t, syncop.TransitionWasteSale{TransactionID: sale.ID, Status: "processed"})

	payment, err := syncop.NewOperation(uuid.NewString(), syncop.PayWasteSale{
		TransactionID: sale.ID, VerificationCode: "AB12CD", PaymentMethod: "cash",
	}, time.Now())
	require.NoError(t, err)

	env.writes.hold()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	err = recycler.api.Execute(ctx, payment)
	cancel()
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))

	env.writes.release()
	require.Eventually(t, func() bool {
		tx, err := worker.api.Transaction(context.Background(), sale.ID)
		return err == nil && tx.Status == domain.StatusPaid
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, recycler.api.Execute(context.Background(), payment), "replay with the same key")
	require.NoError(t, recycler.api.Execute(context.Background(), payment), "recorded replay")
	assert.Equal(t, int32(3), env.counter.payments.Load())
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	env := newTestEnv(t, false)

	for _, path := range []string{"/api/health", "/metrics", "/"} {
		resp, err := http.Get(env.server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err := http.Get(env.server.URL + "/api/waste-sales")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
