package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/app"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/config"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/entitlement"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/license"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/offline"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/shared/testutil"
	"github.com/Micka420-collab/CRM-SERV-sub000/pkg/contracts/domain"
)

const clientKey = "integration-client-key-01"

// LicenseFlowTestSuite drives client orchestrators against the full HTTP
// service backed by the in-memory store
type LicenseFlowTestSuite struct {
	suite.Suite
	app    *app.Application
	server *httptest.Server
	down   atomic.Bool
}

func (s *LicenseFlowTestSuite) SetupSuite() {
	logger, _ := testutil.NewTestLogger(s.T())

	cfg := config.Default()
	cfg.Telemetry.MetricExporter = "none"
	cfg.Telemetry.TraceExporter = "none"
	cfg.Security.APIKeys = []string{clientKey}
	cfg.Security.AdminKeys = []string{"integration-admin-key-01"}
	cfg.Security.RateLimit.Enabled = false
	cfg.Server.DrainDuration = 0

	a, err := app.New(context.Background(), cfg, app.WithLogger(logger), app.WithStore(entitlement.NewMemoryStore()))
	require.NoError(s.T(), err)
	s.app = a

	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.down.Load() {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		a.Router.ServeHTTP(w, r)
	}))
}

func (s *LicenseFlowTestSuite) TearDownSuite() {
	if s.server != nil {
		s.server.Close()
	}
	if s.app != nil {
		_ = s.app.Close(context.Background())
	}
}

func (s *LicenseFlowTestSuite) SetupTest() {
	s.down.Store(false)
}

func (s *LicenseFlowTestSuite) issue(seats int) string {
	lic, err := s.app.Service.IssueLicense(context.Background(), entitlement.IssueParams{
		UserID: "user-42", Plan: "pro", Features: []string{"reports"}, MaxActivations: seats,
	})
	s.Require().NoError(err)
	return lic.Key
}

// machine builds the client side of one machine with its own cache directory
func (s *LicenseFlowTestSuite) machine(hardwareID string) (*license.Orchestrator, *offline.Cache) {
	logger, _ := testutil.NewTestLogger(s.T())
	cfg := config.ClientConfig{
		ServerURL:   s.server.URL,
		APIKey:      clientKey,
		Timeout:     2 * time.Second,
		DataDir:     s.T().TempDir(),
		CacheFile:   "entitlement.cache",
		CacheSecret: "integration-cache-secret",
		GraceWindow: 24 * time.Hour,
		ClockSkew:   5 * time.Minute,
		ScryptN:     1024,
	}
	cache, err := offline.NewCache(cfg, hardwareID, logger)
	s.Require().NoError(err)
	return license.NewOrchestrator(cfg, hardwareID, cache, logger, license.WithClient(license.NewClient(cfg))), cache
}

func hardwareID(n int) string {
	return fmt.Sprintf("%08X-44556677-8899AABB-CCDDEEFF-00112233-44556677-8899AABB-CCDDEEFF", n)
}

func (s *LicenseFlowTestSuite) TestCompleteFlowWithOutage() {
	ctx := context.Background()
	key := s.issue(2)
	orch, cache := s.machine(hardwareID(1))

	r := orch.Check(ctx, key)
	s.Require().Equal(license.StatusNotActivated, r.Status, r.String())

	r = orch.Activate(ctx, key, "desk-1")
	s.Require().Equal(license.StatusActive, r.Status, r.String())
	s.Equal(1, r.Grant.SeatsUsed)
	s.Equal(2, r.Grant.SeatsMax)

	r = orch.Heartbeat(ctx, key)
	s.Require().Equal(license.StatusActive, r.Status, r.String())
	s.NotNil(r.Grant.NextCheckIn)

	s.down.Store(true)
	r = orch.Check(ctx, key)
	s.Require().Equal(license.StatusOfflineTrusted, r.Status, r.String())
	s.Equal("pro", r.Grant.Plan)

	s.down.Store(false)
	_, err := s.app.Service.Revoke(ctx, key, "chargeback")
	s.Require().NoError(err)

	r = orch.Check(ctx, key)
	s.Require().Equal(license.StatusDenied, r.Status, r.String())
	s.Equal(domain.CodeLicenseRevoked, r.Code)
	_, cached := cache.Load(ctx)
	s.False(cached)

	s.down.Store(true)
	s.Equal(license.StatusUnlicensed, orch.Check(ctx, key).Status)
}

func (s *LicenseFlowTestSuite) TestSeatMovesBetweenMachines() {
	ctx := context.Background()
	key := s.issue(1)
	a, _ := s.machine(hardwareID(10))
	b, _ := s.machine(hardwareID(11))

	s.Require().Equal(license.StatusActive, a.Activate(ctx, key, "A").Status)

	r := b.Activate(ctx, key, "B")
	s.Equal(license.StatusDenied, r.Status)
	s.Equal(domain.CodeSeatLimitReached, r.Code)
	d, ok := license.AsDenial(r.Err)
	s.Require().True(ok)
	s.Equal(1, d.SeatsUsed)
	s.Equal(1, d.SeatsMax)

	// reactivating the same machine is idempotent
	s.Equal(license.StatusActive, a.Activate(ctx, key, "A").Status)

	remaining, err := a.Deactivate(ctx, key)
	s.Require().NoError(err)
	s.Equal(0, remaining)

	s.Equal(license.StatusActive, b.Activate(ctx, key, "B").Status)
	s.Equal(license.StatusNotActivated, a.Check(ctx, key).Status)
}

func (s *LicenseFlowTestSuite) TestConcurrentActivationAttempts() {
	ctx := context.Background()
	const seats, machines = 5, 20
	key := s.issue(seats)

	var (
		wg      sync.WaitGroup
		active  atomic.Int32
		limited atomic.Int32
	)
	for i := range machines {
		orch, _ := s.machine(hardwareID(100 + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := orch.Activate(ctx, key, fmt.Sprintf("m-%d", i))
			switch {
			case r.Status == license.StatusActive:
				active.Add(1)
			case r.Code == domain.CodeSeatLimitReached:
				limited.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(seats), active.Load())
	s.Equal(int32(machines-seats), limited.Load())

	rows, err := s.app.Service.ListActivations(ctx, key)
	s.Require().NoError(err)
	var live int
	for _, a := range rows {
		if a.IsActive {
			live++
		}
	}
	s.Equal(seats, live)
}

func (s *LicenseFlowTestSuite) TestSuspendedLicenseRecovers() {
	ctx := context.Background()
	key := s.issue(1)
	orch, _ := s.machine(hardwareID(30))
	s.Require().Equal(license.StatusActive, orch.Activate(ctx, key, "desk").Status)

	_, err := s.app.Service.Suspend(ctx, key, "unpaid invoice")
	s.Require().NoError(err)
	r := orch.Check(ctx, key)
	s.Equal(license.StatusDenied, r.Status)
	s.Equal(domain.CodeLicenseSuspended, r.Code)

	_, err = s.app.Service.Reinstate(ctx, key)
	s.Require().NoError(err)
	s.Equal(license.StatusActive, orch.Check(ctx, key).Status)
}

func (s *LicenseFlowTestSuite) TestHealthEndpoints() {
	for _, path := range []string{"/livez", "/readyz"} {
		resp, err := http.Get(s.server.URL + path)
		s.Require().NoError(err)
		resp.Body.Close()
		s.Equal(http.StatusOK, resp.StatusCode, path)
	}
}

func TestLicenseFlow(t *testing.T) {
	suite.Run(t, new(LicenseFlowTestSuite))
}
