package execution_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/atlas-desktop/trading-pipeline/internal/execution"
	"github.com/atlas-desktop/trading-pipeline/pkg/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

// assessment mirrors a risk engine approval at price 100 with a 2% stop
// and a 1.5 reward ratio.
func assessment(symbol string, size float64) types.RiskAssessment {
	return types.RiskAssessment{
		Symbol:        symbol,
		EntryPrice:    100,
		PositionSize:  size,
		PositionValue: 100 * size,
		StopLoss:      98,
		TakeProfit:    103,
		RiskAmount:    2 * size,
		Approved:      true,
		Status:        types.Approved(),
	}
}

type stubPlacer struct {
	entryErr error
	stopErr  error
	tpErr    error
	calls    int32
}

func (s *stubPlacer) Name() string { return "stub" }

func (s *stubPlacer) PlaceEntry(context.Context, execution.OrderRequest) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.entryErr != nil {
		return "", s.entryErr
	}
	return "entry-1", nil
}

func (s *stubPlacer) PlaceStop(context.Context, execution.OrderRequest) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.stopErr != nil {
		return "", s.stopErr
	}
	return "sl-1", nil
}

func (s *stubPlacer) PlaceTakeProfit(context.Context, execution.OrderRequest) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.tpErr != nil {
		return "", s.tpErr
	}
	return "tp-1", nil
}

func liveConfig() execution.Config {
	cfg := execution.DefaultConfig()
	cfg.Live = true
	cfg.Guardrails = execution.Guardrails{
		AllowedOrderTypes: []execution.OrderType{execution.OrderTypeMarket, execution.OrderTypeLimit},
		MaxOpenPositions:  2,
		MaxPositionUSD:    10000,
		MaxTradeLossUSD:   500,
		MaxDailyLossUSD:   1000,
		MinBalanceUSD:     100,
	}
	return cfg
}

func TestStopLossCloses(t *testing.T) {
	g := execution.NewGateway(zap.NewNop(), execution.DefaultConfig(), nil)

	res, err := g.Open(context.Background(), assessment("SOL/USDT", 50), 10000)
	if err != nil || !res.Executed {
		t.Fatalf("Open failed: %v (%s)", err, res.Status)
	}

	closed := g.UpdatePrices(map[string]float64{"SOL/USDT": 97})
	if len(closed) != 1 {
		t.Fatalf("Expected 1 closed position, got %d", len(closed))
	}
	p := closed[0]
	if p.ExitReason != types.ExitStopLoss {
		t.Errorf("Expected stop_loss, got %s", p.ExitReason)
	}
	if !approx(p.PnL, (97-100)*50) {
		t.Errorf("Expected PnL -150, got %f", p.PnL)
	}
	if !approx(p.PnLPercent, -3) {
		t.Errorf("Expected -3%%, got %f", p.PnLPercent)
	}
	if len(g.OpenPositions()) != 0 {
		t.Error("Expected no open positions")
	}
	if !approx(g.DailyLoss(), 150) {
		t.Errorf("Expected realized daily loss 150, got %f", g.DailyLoss())
	}
}

func TestTakeProfitCloses(t *testing.T) {
	g := execution.NewGateway(zap.NewNop(), execution.DefaultConfig(), nil)

	if _, err := g.Open(context.Background(), assessment("SOL/USDT", 50), 10000); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if closed := g.UpdatePrices(map[string]float64{"SOL/USDT": 101}); len(closed) != 0 {
		t.Fatalf("Expected position to stay open at 101")
	}
	open := g.OpenPositions()
	if len(open) != 1 || !approx(open[0].UnrealizedPnL, 50) {
		t.Fatalf("Expected unrealized PnL 50, got %+v", open)
	}

	closed := g.UpdatePrices(map[string]float64{"SOL/USDT": 104})
	if len(closed) != 1 || closed[0].ExitReason != types.ExitTakeProfit {
		t.Fatalf("Expected take_profit close, got %+v", closed)
	}
	if !approx(closed[0].PnL, (104-100)*50) {
		t.Errorf("Expected PnL 200, got %f", closed[0].PnL)
	}
}

func TestStopLossCheckedBeforeTakeProfit(t *testing.T) {
	g := execution.NewGateway(zap.NewNop(), execution.DefaultConfig(), nil)

	ra := assessment("X/USDT", 1)
	ra.StopLoss = 100
	ra.TakeProfit = 100
	if _, err := g.Open(context.Background(), ra, 10000); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	closed := g.UpdatePrices(map[string]float64{"X/USDT": 100})
	if len(closed) != 1 || closed[0].ExitReason != types.ExitStopLoss {
		t.Errorf("Expected stop_loss to win, got %+v", closed)
	}
}

func TestManualCloseMovesPosition(t *testing.T) {
	g := execution.NewGateway(zap.NewNop(), execution.DefaultConfig(), nil)

	res, _ := g.Open(context.Background(), assessment("SOL/USDT", 10), 10000)
	id := res.Position.ID

	p, err := g.Close(id, 101, types.ExitManual)
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if p.Status != types.PositionClosed || p.ExitPrice == nil || *p.ExitPrice != 101 {
		t.Errorf("Unexpected closed position %+v", p)
	}

	if _, err := g.Close(id, 101, types.ExitManual); !errors.Is(err, execution.ErrPositionNotFound) {
		t.Errorf("Expected ErrPositionNotFound on second close, got %v", err)
	}

	for _, open := range g.OpenPositions() {
		if open.ExitPrice != nil {
			t.Errorf("Open position %d carries an exit price", open.ID)
		}
	}
	if len(g.ClosedPositions()) != 1 {
		t.Errorf("Expected 1 closed position, got %d", len(g.ClosedPositions()))
	}
}

func TestOpenRequiresPositiveSize(t *testing.T) {
	g := execution.NewGateway(zap.NewNop(), execution.DefaultConfig(), nil)

	res, err := g.Open(context.Background(), assessment("SOL/USDT", 0), 10000)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.Executed || res.Status.Code != types.ReasonInvalidSize {
		t.Errorf("Expected invalid_size veto, got %+v", res)
	}

	ra := assessment("SOL/USDT", 1)
	ra.Approved = false
	if _, err := g.Open(context.Background(), ra, 10000); !errors.Is(err, execution.ErrNotApproved) {
		t.Errorf("Expected ErrNotApproved, got %v", err)
	}
}

func TestPositionIDsAreMonotonic(t *testing.T) {
	g := execution.NewGateway(zap.NewNop(), execution.DefaultConfig(), nil)

	var last int64
	for i := 0; i < 5; i++ {
		res, err := g.Open(context.Background(), assessment("SOL/USDT", 1), 10000)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if res.Position.ID <= last {
			t.Errorf("Expected id > %d, got %d", last, res.Position.ID)
		}
		last = res.Position.ID
	}
}

func TestLiveGuardrailsVetoBeforeOrders(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*execution.Config)
		ra      types.RiskAssessment
		balance float64
		code    types.ReasonCode
	}{
		{"order type", func(c *execution.Config) { c.Guardrails.AllowedOrderTypes = []execution.OrderType{execution.OrderTypeLimit} }, assessment("SOL/USDT", 1), 10000, types.ReasonOrderType},
		{"position limit", func(c *execution.Config) { c.Guardrails.MaxPositionUSD = 50 }, assessment("SOL/USDT", 1), 10000, types.ReasonPositionLimit},
		{"trade loss", func(c *execution.Config) { c.Guardrails.MaxTradeLossUSD = 1 }, assessment("SOL/USDT", 1), 10000, types.ReasonTradeLossLimit},
		{"daily loss", func(c *execution.Config) { c.Guardrails.MaxDailyLossUSD = 1 }, assessment("SOL/USDT", 1), 10000, types.ReasonDailyLossLimit},
		{"min balance", nil, assessment("SOL/USDT", 1), 50, types.ReasonMinBalance},
		{"max open", func(c *execution.Config) { c.Guardrails.MaxOpenPositions = 0 }, assessment("SOL/USDT", 1), 10000, types.ReasonMaxOpenPositions},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := liveConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			placer := &stubPlacer{}
			g := execution.NewGateway(zap.NewNop(), cfg, placer)

			res, err := g.Open(context.Background(), tt.ra, tt.balance)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if res.Executed {
				t.Fatal("Expected veto")
			}
			if res.Status.Code != tt.code {
				t.Errorf("Expected %s, got %s (%s)", tt.code, res.Status.Code, res.Status.Message)
			}
			if placer.calls != 0 {
				t.Errorf("Expected no exchange calls, got %d", placer.calls)
			}
		})
	}
}

func TestLiveOpenPlacesProtectiveOrders(t *testing.T) {
	placer := &stubPlacer{}
	g := execution.NewGateway(zap.NewNop(), liveConfig(), placer)

	res, err := g.Open(context.Background(), assessment("SOL/USDT", 1.23456789), 10000)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	p := res.Position
	if p.EntryOrderID != "entry-1" || p.StopOrderID != "sl-1" || p.TakeProfitOrderID != "tp-1" {
		t.Errorf("Unexpected order ids %+v", p)
	}
	if p.Unprotected || res.Unprotected {
		t.Error("Expected protected position")
	}
	if !approx(p.Size, 1.2345) {
		t.Errorf("Expected size rounded to 1.2345, got %f", p.Size)
	}
}

func TestLiveProtectiveFailureLeavesNakedPosition(t *testing.T) {
	placer := &stubPlacer{stopErr: errors.New("stop rejected")}
	g := execution.NewGateway(zap.NewNop(), liveConfig(), placer)

	res, err := g.Open(context.Background(), assessment("SOL/USDT", 1), 10000)
	if err != nil {
		t.Fatalf("Expected non-fatal protective failure, got %v", err)
	}
	if !res.Executed || !res.Unprotected || !res.Position.Unprotected {
		t.Fatalf("Expected executed unprotected position, got %+v", res)
	}
	if len(res.ProtectError) != 1 {
		t.Errorf("Expected one protective error, got %v", res.ProtectError)
	}
	if res.Position.TakeProfitOrderID != "tp-1" {
		t.Error("Expected take profit to still be placed")
	}
	if len(g.OpenPositions()) != 1 {
		t.Error("Expected position to remain open")
	}
	if placer.calls != 3 {
		t.Errorf("Expected no retries (3 calls), got %d", placer.calls)
	}

	msg := execution.Message(res, nil)
	if msg.Data["unprotected"] != true || msg.Data["alert"] != execution.AlertNakedPosition {
		t.Error("Expected message to flag unprotected position")
	}
}

func TestLiveEntryFailureOpensNothing(t *testing.T) {
	placer := &stubPlacer{entryErr: errors.New("exchange down")}
	g := execution.NewGateway(zap.NewNop(), liveConfig(), placer)

	res, err := g.Open(context.Background(), assessment("SOL/USDT", 1), 10000)
	if err == nil {
		t.Fatal("Expected entry error")
	}
	if res.Executed || len(g.OpenPositions()) != 0 {
		t.Error("Expected no position after failed entry")
	}
	if placer.calls != 1 {
		t.Errorf("Expected no protective orders after failed entry, got %d calls", placer.calls)
	}
}

func TestLiveOpenCountCapUnderConcurrency(t *testing.T) {
	cfg := liveConfig()
	cfg.Guardrails.MaxOpenPositions = 3
	g := execution.NewGateway(zap.NewNop(), cfg, &stubPlacer{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.Open(context.Background(), assessment("SOL/USDT", 1), 10000)
		}()
	}
	wg.Wait()

	if n := len(g.OpenPositions()); n != 3 {
		t.Errorf("Expected exactly 3 open positions, got %d", n)
	}
}

func TestPerformanceSummary(t *testing.T) {
	g := execution.NewGateway(zap.NewNop(), execution.DefaultConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := g.Open(ctx, assessment("SOL/USDT", 10), 10000); err != nil {
			t.Fatalf("Open failed: %v", err)
		}
	}
	g.Close(1, 110, types.ExitManual) // +100
	g.Close(2, 95, types.ExitManual)  // -50

	perf := g.Performance()
	if perf.TotalTrades != 3 || perf.Winning != 1 || perf.Losing != 1 || perf.OpenPositions != 1 {
		t.Errorf("Unexpected counts %+v", perf)
	}
	if !approx(perf.TotalPnL, 50) || !approx(perf.AvgPnL, 25) {
		t.Errorf("Expected total 50 avg 25, got %f / %f", perf.TotalPnL, perf.AvgPnL)
	}
	if !approx(perf.MaxWin, 100) || !approx(perf.MaxLoss, -50) {
		t.Errorf("Expected max win 100 max loss -50, got %f / %f", perf.MaxWin, perf.MaxLoss)
	}
	if !approx(perf.WinRate, 0.5) {
		t.Errorf("Expected win rate 0.5, got %f", perf.WinRate)
	}
}

func TestPaperEntryFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	placer := &stubPlacer{entryErr: errors.New("simulated book offline")}
	g := execution.NewGateway(zap.New(core), execution.DefaultConfig(), placer)

	res, err := g.Open(context.Background(), assessment("SOL/USDT", 2), 10000)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !res.Executed {
		t.Fatal("Expected paper position to open")
	}
	if res.Position.EntryOrderID != "" {
		t.Errorf("Expected empty entry order id, got %s", res.Position.EntryOrderID)
	}
	warned := logs.FilterMessage("Paper entry order failed, opening without order id").All()
	if len(warned) != 1 {
		t.Fatalf("Expected one warning, got %d", len(warned))
	}
	if got := warned[0].ContextMap()["error"]; got != "simulated book offline" {
		t.Errorf("Expected placer error in warning, got %v", got)
	}
}

func TestPaperModeRecordsEntry(t *testing.T) {
	placer := execution.NewPaperPlacer()
	g := execution.NewGateway(zap.NewNop(), execution.DefaultConfig(), placer)

	res, err := g.Open(context.Background(), assessment("SOL/USDT", 2), 10000)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if res.Position.EntryOrderID == "" {
		t.Error("Expected paper entry order id")
	}
	orders := placer.Orders()
	if len(orders) != 1 || orders[0].Side != execution.SideBuy {
		t.Errorf("Expected one recorded buy, got %+v", orders)
	}
}
