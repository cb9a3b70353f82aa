package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-dca/internal/api"
	"github.com/ksred/klear-dca/internal/auth"
	"github.com/ksred/klear-dca/internal/config"
	"github.com/ksred/klear-dca/internal/database"
	"github.com/ksred/klear-dca/internal/engine"
	"github.com/ksred/klear-dca/internal/execution"
	"github.com/ksred/klear-dca/internal/ledger"
	"github.com/ksred/klear-dca/internal/observability"
	"github.com/ksred/klear-dca/internal/types"
	"github.com/ksred/klear-dca/internal/venue"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	minVaults     = 15
	maxVaults     = 60
	numWorkers    = 5
	rounds        = 12
	listenAddress = "localhost:8081"
	adminAddress  = "sim-admin"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate returns min, max, mean, median, 95th and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the vault API
type simulationClient struct {
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
}

func newSimulationClient(baseURL string) *simulationClient {
	return &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":    {name: "Authentication"},
			"create":  {name: "Create Vault"},
			"execute": {name: "Execute Vault"},
			"get":     {name: "Get Vault"},
			"cancel":  {name: "Cancel Vault"},
		},
	}
}

func (sc *simulationClient) record(route string, start time.Time, err error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stats[route].addDuration(time.Since(start))
	if err != nil {
		sc.stats[route].failures++
	}
}

// call sends one request and decodes the data field of the envelope into out
func (sc *simulationClient) call(route, method, path, token string, body, out any) (err error) {
	start := time.Now()
	defer func() { sc.record(route, start, err) }()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s failed with status %d: %s", route, resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(result.Data, out)
}

func (sc *simulationClient) authenticate(address string) (string, error) {
	var token auth.TokenResponse
	err := sc.call("auth", http.MethodPost, "/api/v1/auth/token", "", auth.Credentials{
		APIKey:    address,
		APISecret: address + "-secret",
	}, &token)
	return token.Token, err
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// simulation is the in-process server the client drives
type simulation struct {
	clock  *engine.ManualClock
	venue  *venue.Simulator
	market *config.Market
}

// startServer runs the vault API on listenAddress against a throwaway ledger.
// The clock is manual so rounds can jump a whole interval at a time.
func startServer(owners []string) (*simulation, error) {
	dir, err := os.MkdirTemp("", "dca-simulation")
	if err != nil {
		return nil, err
	}
	gormDB, err := database.NewDatabase(filepath.Join(dir, "dca.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	db := ledger.NewDatabase(gormDB)

	market := config.DefaultMarket()
	market.Venue.SuccessRate = 0.95
	sim := venue.NewSimulator()
	if err := market.Apply(db, sim); err != nil {
		return nil, err
	}

	clock := engine.NewManualClock(time.Now().UTC())
	vaultEngine := engine.New(db, sim, clock, observability.NewMetrics("dca", nil), engine.Config{
		Admin:                 adminAddress,
		FeeCollector:          "sim-fees",
		SwapFeePercent:        decimal.RequireFromString("0.0005"),
		PerformanceFeePercent: decimal.RequireFromString("0.2"),
		EscrowLevel:           decimal.RequireFromString("0.05"),
		DefaultSlippage:       decimal.RequireFromString("0.01"),
	})

	authService := auth.NewService("simulation-secret", adminAddress)
	for _, address := range append(owners, adminAddress) {
		authService.RegisterAPICredentials(address, address+"-secret")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	api.SetupRoutes(router, authService, auth.NewGinHandlers(authService), api.NewGinHandlers(vaultEngine))

	go func() {
		if err := router.Run(listenAddress); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	return &simulation{clock: clock, venue: sim, market: market}, nil
}

// drift moves every pair price by up to 3% in either direction
func (s *simulation) drift(prices map[string]decimal.Decimal) {
	for pair, price := range prices {
		move := decimal.NewFromFloat(1 + (rand.Float64()-0.5)*0.06)
		prices[pair] = price.Mul(move).Round(6)
		s.venue.SetPrice(pair, prices[pair])
	}
}

func randomVault(market *config.Market) map[string]any {
	pair := market.Pairs[rand.Intn(len(market.Pairs))]
	swap := int64(rand.Intn(900) + 100)
	tranches := int64(rand.Intn(8) + 1)

	req := map[string]any{
		"pair_address":  pair.Address,
		"position":      types.PositionEnter,
		"swap_amount":   decimal.NewFromInt(swap),
		"time_interval": types.IntervalHourly,
		"dca_plus":      rand.Intn(4) == 0,
		"funds":         []types.Coin{types.NewCoin(swap*tranches, pair.QuoteDenom)},
	}
	if rand.Intn(3) == 0 {
		req["slippage_tolerance"] = "0.005"
	}
	return req
}

// createVaults opens vaults for one owner and sends their ids to out
func createVaults(workerID, count int, sc *simulationClient, owner string, market *config.Market, out chan<- uint64) {
	token, err := sc.authenticate(owner)
	if err != nil {
		log.Error().Err(err).Int("worker_id", workerID).Msg("Failed to authenticate")
		return
	}

	for i := 0; i < count; i++ {
		var v types.Vault
		if err := sc.call("create", http.MethodPost, "/api/v1/vaults", token, randomVault(market), &v); err != nil {
			log.Error().Err(err).Int("worker_id", workerID).Msg("Failed to create vault")
			continue
		}
		out <- v.ID
		log.Info().
			Int("worker_id", workerID).
			Uint64("vault_id", v.ID).
			Str("pair", v.PairAddress).
			Str("balance", v.Balance.String()).
			Bool("dca_plus", v.DcaPlusEnabled).
			Msg("Vault created")

		// Random sleep between vaults
		time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
	}
}

// main runs the DCA simulation
// It starts a local API server, opens vaults from concurrent clients and
// then drives the trigger schedule round by round
func main() {
	owners := make([]string, numWorkers)
	for i := range owners {
		owners[i] = fmt.Sprintf("sim-owner-%d", i)
	}

	sim, err := startServer(owners)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
	time.Sleep(time.Second)

	sc := newSimulationClient("http://" + listenAddress)
	adminToken, err := sc.authenticate(adminAddress)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to authenticate admin")
	}

	targetVaults := rand.Intn(maxVaults-minVaults) + minVaults
	log.Info().Int("target_vaults", targetVaults).Msg("Starting simulation")

	vaultsChan := make(chan uint64, targetVaults)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			createVaults(workerID, targetVaults/numWorkers, sc, owners[workerID], sim.market, vaultsChan)
		}(i)
	}
	wg.Wait()
	close(vaultsChan)

	var vaultIDs []uint64
	for id := range vaultsChan {
		vaultIDs = append(vaultIDs, id)
	}
	log.Info().Int("vaults_created", len(vaultIDs)).Msg("All vaults created")

	prices := make(map[string]decimal.Decimal)
	for _, p := range sim.market.Pairs {
		prices[p.Address] = decimal.RequireFromString(p.Price)
	}

	outcomes := make(map[execution.Status]int)
	startTime := time.Now()
	for round := 1; round <= rounds; round++ {
		for _, id := range vaultIDs {
			var result execution.Result
			err := sc.call("execute", http.MethodPost, fmt.Sprintf("/api/v1/internal/vaults/%d/execute", id), adminToken, nil, &result)
			if err != nil {
				log.Debug().Err(err).Uint64("vault_id", id).Msg("Execute rejected")
				outcomes["error"]++
				continue
			}
			outcomes[result.Status]++
		}
		sim.drift(prices)
		sim.clock.Advance(time.Hour)
		log.Info().Int("round", round).Msg("Round complete")
	}

	// cancel whatever is still running
	statuses := make(map[types.VaultStatus]int)
	for _, id := range vaultIDs {
		var v api.VaultView
		if err := sc.call("get", http.MethodGet, fmt.Sprintf("/api/v1/vaults/%d", id), adminToken, nil, &v); err != nil {
			continue
		}
		if !v.IsTerminal() {
			if err := sc.call("cancel", http.MethodPost, fmt.Sprintf("/api/v1/vaults/%d/cancel", id), adminToken, nil, &v); err != nil {
				log.Error().Err(err).Uint64("vault_id", id).Msg("Failed to cancel vault")
			}
		}
		statuses[v.Status]++
	}

	duration := time.Since(startTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("DCA SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Vaults:    %d\nRounds:    %d\nDuration:  %v\n", len(vaultIDs), rounds, duration.Round(time.Millisecond))

	fmt.Println("\nExecution outcomes")
	fmt.Println("------------------")
	for status, count := range outcomes {
		fmt.Printf("%-24s %s (%d)\n", status, strings.Repeat("#", count*40/max(1, len(vaultIDs)*rounds)), count)
	}

	fmt.Println("\nFinal vault status")
	fmt.Println("------------------")
	for status, count := range statuses {
		fmt.Printf("%-10s %d\n", status, count)
	}
	fmt.Println(strings.Repeat("=", 80))

	sc.printPerformanceStats()
}
