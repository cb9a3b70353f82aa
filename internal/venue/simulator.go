package venue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ksred/klear-dca/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var ErrUnknownPair = errors.New("unknown pair")

type simOrder struct {
	idx         uint64
	pairAddress string
	position    types.PositionType
	price       decimal.Decimal
	offered     decimal.Decimal
	filled      decimal.Decimal
	withdrawn   decimal.Decimal
	closed      bool
}

func (o *simOrder) unwithdrawn() decimal.Decimal {
	return o.filled.Sub(o.withdrawn)
}

func (o *simOrder) remaining() decimal.Decimal {
	return o.offered.Sub(o.filled)
}

// Simulator is an in-process venue. Swaps settle at the pair price with a
// random variance, limit orders rest until the price crosses them or Fill is
// called, and every answer is queued for Next.
type Simulator struct {
	MinLatency  int     // in milliseconds
	MaxLatency  int
	Variance    float64 // max relative deviation of the executed price
	SuccessRate float64 // 0-1, probability a swap is accepted

	mu             sync.Mutex
	prices         map[string]decimal.Decimal
	orders         map[uint64]*simOrder
	nextOrderIdx   uint64
	queue          []Confirmation
	alwaysSlippage bool
	dispatchErr    error
	rng            *rand.Rand
}

func NewSimulator() *Simulator {
	return &Simulator{
		SuccessRate: 1,
		prices:      make(map[string]decimal.Decimal),
		orders:      make(map[uint64]*simOrder),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetPrice updates a pair price and fills resting orders the new price crosses.
func (s *Simulator) SetPrice(pairAddress string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prices[pairAddress] = price
	for _, o := range s.orders {
		if o.closed || o.pairAddress != pairAddress || !o.remaining().IsPositive() {
			continue
		}
		crossed := (o.position == types.PositionEnter && price.LessThanOrEqual(o.price)) ||
			(o.position == types.PositionExit && price.GreaterThanOrEqual(o.price))
		if crossed {
			o.filled = o.offered
			log.Debug().Uint64("order_idx", o.idx).Str("price", price.String()).Msg("limit order filled by price move")
		}
	}
}

// SetAlwaysSlippage makes every swap come back as a slippage rejection.
func (s *Simulator) SetAlwaysSlippage(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alwaysSlippage = on
}

// SetDispatchError makes Dispatch fail with err until cleared with nil.
func (s *Simulator) SetDispatchError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatchErr = err
}

// Fill marks amount more of a resting order as filled.
func (s *Simulator) Fill(orderIdx uint64, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderIdx]
	if !ok || o.closed {
		return fmt.Errorf("order %d is not open", orderIdx)
	}
	o.filled = decimal.Min(o.offered, o.filled.Add(amount))
	return nil
}

func (s *Simulator) Price(_ context.Context, pairAddress string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.prices[pairAddress]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownPair, pairAddress)
	}
	return price, nil
}

func (s *Simulator) QueryOrder(_ context.Context, orderIdx uint64) (*OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderIdx]
	if !ok {
		return nil, fmt.Errorf("order %d not found", orderIdx)
	}
	return &OrderStatus{
		OrderIdx:  o.idx,
		Offered:   o.offered,
		Filled:    o.unwithdrawn(),
		Remaining: o.remaining(),
	}, nil
}

// Next pops the oldest queued confirmation.
func (s *Simulator) Next() (Confirmation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return Confirmation{}, false
	}
	c := s.queue[0]
	s.queue = s.queue[1:]
	return c, true
}

func (s *Simulator) Dispatch(ctx context.Context, msg Message) error {
	logger := log.With().
		Str("request_id", msg.RequestID).
		Str("kind", string(msg.Kind)).
		Uint64("vault_id", msg.VaultID).
		Str("pair", msg.PairAddress).
		Logger()

	s.simulateLatency(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dispatchErr != nil {
		logger.Warn().Err(s.dispatchErr).Msg("dispatch rejected by venue")
		return s.dispatchErr
	}

	var (
		conf Confirmation
		err  error
	)
	switch msg.Kind {
	case KindSwap:
		conf, err = s.swap(msg)
	case KindLimitOrder:
		conf, err = s.placeOrder(msg)
	case KindWithdrawOrder:
		conf, err = s.withdraw(msg)
	case KindRetractOrder:
		conf, err = s.retract(msg)
	default:
		err = fmt.Errorf("unsupported message kind %q", msg.Kind)
	}
	if err != nil {
		logger.Error().Err(err).Msg("venue request failed")
		return err
	}

	logger.Info().
		Str("rejection", string(conf.Rejection)).
		Str("sent", conf.Sent.String()).
		Str("received", conf.Received.String()).
		Msg("venue request answered")

	s.queue = append(s.queue, conf)
	return nil
}

func (s *Simulator) simulateLatency(ctx context.Context) {
	if s.MaxLatency <= 0 {
		return
	}
	s.mu.Lock()
	latency := s.MinLatency
	if s.MaxLatency > s.MinLatency {
		latency += s.rng.Intn(s.MaxLatency - s.MinLatency + 1)
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(latency) * time.Millisecond):
	}
}

func (s *Simulator) swap(msg Message) (Confirmation, error) {
	conf := Confirmation{RequestID: msg.RequestID, Kind: KindSwap}

	price, ok := s.prices[msg.PairAddress]
	if !ok {
		return conf, fmt.Errorf("%w: %s", ErrUnknownPair, msg.PairAddress)
	}

	if s.alwaysSlippage {
		conf.Rejection = RejectionSlippage
		return conf, nil
	}
	if s.rng.Float64() > s.SuccessRate {
		conf.Rejection = RejectionFailed
		return conf, nil
	}

	// Adverse variance moves the price against the vault
	variance := 0.0
	if s.Variance > 0 {
		variance = s.rng.Float64()*2*s.Variance - s.Variance
	}
	if msg.MaxSpread.Valid && decimal.NewFromFloat(variance).Abs().GreaterThan(msg.MaxSpread.Decimal) {
		conf.Rejection = RejectionSlippage
		return conf, nil
	}

	executed := price.Mul(decimal.NewFromFloat(1 + variance))
	if msg.Position == types.PositionExit {
		executed = price.Mul(decimal.NewFromFloat(1 - variance))
	}

	conf.Sent = msg.Offer.Amount
	conf.Received = Convert(msg.Position, msg.Offer.Amount, executed)
	return conf, nil
}

func (s *Simulator) placeOrder(msg Message) (Confirmation, error) {
	if !msg.Price.Valid || !msg.Price.Decimal.IsPositive() {
		return Confirmation{}, errors.New("limit order needs a positive price")
	}

	s.nextOrderIdx++
	o := &simOrder{
		idx:         s.nextOrderIdx,
		pairAddress: msg.PairAddress,
		position:    msg.Position,
		price:       msg.Price.Decimal,
		offered:     msg.Offer.Amount,
		filled:      decimal.Zero,
		withdrawn:   decimal.Zero,
	}
	s.orders[o.idx] = o

	// An order placed through the current price fills at once
	if current, ok := s.prices[msg.PairAddress]; ok {
		if (o.position == types.PositionEnter && current.LessThanOrEqual(o.price)) ||
			(o.position == types.PositionExit && current.GreaterThanOrEqual(o.price)) {
			o.filled = o.offered
		}
	}

	return Confirmation{RequestID: msg.RequestID, Kind: KindLimitOrder, OrderIdx: o.idx}, nil
}

func (s *Simulator) withdraw(msg Message) (Confirmation, error) {
	o, ok := s.orders[msg.OrderIdx]
	if !ok || o.closed {
		return Confirmation{}, fmt.Errorf("order %d is not open", msg.OrderIdx)
	}

	sent := o.unwithdrawn()
	o.withdrawn = o.filled
	if !o.remaining().IsPositive() {
		o.closed = true
	}

	return Confirmation{
		RequestID: msg.RequestID,
		Kind:      KindWithdrawOrder,
		OrderIdx:  o.idx,
		Sent:      sent,
		Received:  Convert(o.position, sent, o.price),
	}, nil
}

func (s *Simulator) retract(msg Message) (Confirmation, error) {
	o, ok := s.orders[msg.OrderIdx]
	if !ok || o.closed {
		return Confirmation{}, fmt.Errorf("order %d is not open", msg.OrderIdx)
	}

	sent := o.unwithdrawn()
	returned := o.remaining()
	o.withdrawn = o.filled
	o.closed = true

	return Confirmation{
		RequestID: msg.RequestID,
		Kind:      KindRetractOrder,
		OrderIdx:  o.idx,
		Sent:      sent,
		Received:  Convert(o.position, sent, o.price),
		Returned:  returned,
	}, nil
}
