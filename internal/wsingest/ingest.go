// Package wsingest is the private WebSocket ingest (§4.8): subscribes to
// order/execution/position/wallet topics, updates local orders/fills/
// positions, and records WS-sourced position and wallet snapshots that the
// reconcile and snapshot loops compare with REST. Modeled on the teacher's
// FuturesUserStream reconnect loop, retargeted at Bybit V5 private topics.
package wsingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"trading-core/internal/domain"
	"trading-core/internal/riskgate"
	"trading-core/pkg/config"
	"trading-core/pkg/db"
)

// Ingest manages the private WS connection and its reconnect loop.
type Ingest struct {
	cfg     *config.Config
	repo    *db.Repository
	emitter *riskgate.Emitter
	wsURL   string
}

func New(cfg *config.Config, repo *db.Repository, emitter *riskgate.Emitter, wsURL string) *Ingest {
	return &Ingest{cfg: cfg, repo: repo, emitter: emitter, wsURL: wsURL}
}

// Run dials, authenticates, subscribes, and reconnects on drop until ctx is
// cancelled. Errors are logged, never fatal to the caller.
func (i *Ingest) Run(ctx context.Context) {
	if !i.cfg.PrivateWSEnabled {
		return
	}
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := i.runOnce(ctx); err != nil {
			log.Printf("wsingest: connection error: %v", err)
			if emitErr := i.emitter.Emit(ctx, domain.RiskWSReconnect, domain.SeverityInfo, "", map[string]any{"error": err.Error()}); emitErr != nil {
				log.Printf("wsingest: emit reconnect event: %v", emitErr)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (i *Ingest) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.Dial(i.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := i.authenticate(conn); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": i.cfg.PrivateWSSubscriptions}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	log.Printf("wsingest: private stream connected, subscriptions=%v", i.cfg.PrivateWSSubscriptions)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		i.handleMessage(ctx, raw)
	}
}

func (i *Ingest) authenticate(conn *websocket.Conn) error {
	expires := time.Now().Add(10 * time.Second).UnixMilli()
	payload := fmt.Sprintf("GET/realtime%d", expires)
	mac := hmac.New(sha256.New, []byte(i.cfg.VenueAPISecret))
	mac.Write([]byte(payload))
	sig := hex.EncodeToString(mac.Sum(nil))
	return conn.WriteJSON(map[string]any{
		"op":   "auth",
		"args": []any{i.cfg.VenueAPIKey, expires, sig},
	})
}

type wsEnvelope struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

func (i *Ingest) handleMessage(ctx context.Context, raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("wsingest: unparseable message, acking: %s", string(raw))
		return
	}
	switch {
	case env.Topic == "order" || topicPrefix(env.Topic, "order"):
		i.handleOrder(ctx, env.Data)
	case env.Topic == "execution" || topicPrefix(env.Topic, "execution"):
		i.handleExecution(ctx, env.Data)
	case env.Topic == "position" || topicPrefix(env.Topic, "position"):
		i.handlePosition(ctx, env.Data)
	case env.Topic == "wallet" || topicPrefix(env.Topic, "wallet"):
		i.handleWallet(ctx, env.Data)
	default:
		log.Printf("wsingest: unknown topic %q, ignoring", env.Topic)
	}
}

func topicPrefix(topic, prefix string) bool {
	return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
}

type orderUpdate struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	OrderStatus string `json:"orderStatus"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
}

func (i *Ingest) handleOrder(ctx context.Context, raw json.RawMessage) {
	var updates []orderUpdate
	if err := json.Unmarshal(raw, &updates); err != nil {
		log.Printf("wsingest: decode order update: %v", err)
		return
	}
	for _, u := range updates {
		orders, err := i.repo.ListOrdersByIdempotencyKey(ctx, u.OrderLinkID)
		if err != nil || len(orders) == 0 {
			continue
		}
		order := orders[0]
		order.Status = normalizeOrderStatus(u.OrderStatus)
		if q, err := strconv.ParseFloat(u.CumExecQty, 64); err == nil {
			order.FilledQty = q
		}
		if p, err := strconv.ParseFloat(u.AvgPrice, 64); err == nil {
			order.AvgPrice = p
		}
		if err := i.repo.UpsertOrder(ctx, order); err != nil {
			log.Printf("wsingest: persist order update: %v", err)
			continue
		}
		if order.Status == domain.OrderFilled || order.Status == domain.OrderCanceled || order.Status == domain.OrderFailed {
			rep := domain.ExecutionReport{
				EventID: uuid.NewString(),
				TsMs:    time.Now().UnixMilli(),
				OrderID: order.OrderID,
				Status:  string(order.Status),
				Symbol:  order.Symbol,
			}
			if err := i.repo.InsertExecutionReport(ctx, rep); err != nil {
				log.Printf("wsingest: insert execution report: %v", err)
			}
			i.propagatePurpose(ctx, order)
		}
	}
}

func (i *Ingest) propagatePurpose(ctx context.Context, order domain.Order) {
	if order.Purpose != domain.PurposeEntry && order.Purpose != domain.PurposeTP1 && order.Purpose != domain.PurposeTP2 {
		return
	}
	pos, err := i.repo.GetPositionByIdempotencyKey(ctx, order.IdempotencyKey)
	if err != nil || pos == nil {
		return
	}
	if pos.Meta == nil {
		pos.Meta = map[string]any{}
	}
	switch order.Purpose {
	case domain.PurposeTP1:
		pos.Meta["tp1_filled"] = order.Status == domain.OrderFilled
		pos.Meta["tp_source"] = "ws"
	case domain.PurposeTP2:
		pos.Meta["tp2_filled"] = order.Status == domain.OrderFilled
		pos.Meta["tp_source"] = "ws"
	}
	if err := i.repo.UpsertPosition(ctx, *pos); err != nil {
		log.Printf("wsingest: propagate purpose to position meta: %v", err)
	}
}

func normalizeOrderStatus(s string) domain.OrderStatus {
	switch s {
	case "New", "Created":
		return domain.OrderSubmitted
	case "PartiallyFilled":
		return domain.OrderPartiallyFilled
	case "Filled":
		return domain.OrderFilled
	case "Cancelled", "Canceled", "Deactivated":
		return domain.OrderCanceled
	case "Rejected":
		return domain.OrderFailed
	default:
		return domain.OrderSubmitted
	}
}

type executionUpdate struct {
	ExecID      string `json:"execId"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	ExecQty     string `json:"execQty"`
	ExecPrice   string `json:"execPrice"`
	ExecFee     string `json:"execFee"`
	ExecTime    string `json:"execTime"`
}

func (i *Ingest) handleExecution(ctx context.Context, raw json.RawMessage) {
	var updates []executionUpdate
	if err := json.Unmarshal(raw, &updates); err != nil {
		log.Printf("wsingest: decode execution update: %v", err)
		return
	}
	for _, u := range updates {
		qty, _ := strconv.ParseFloat(u.ExecQty, 64)
		price, _ := strconv.ParseFloat(u.ExecPrice, 64)
		fee, _ := strconv.ParseFloat(u.ExecFee, 64)
		ts, _ := strconv.ParseInt(u.ExecTime, 10, 64)

		orders, err := i.repo.ListOrdersByIdempotencyKey(ctx, u.OrderLinkID)
		if err != nil || len(orders) == 0 {
			continue
		}
		order := orders[0]

		fill := domain.Fill{
			FillID:       uuid.NewString(),
			OrderID:      order.OrderID,
			Symbol:       u.Symbol,
			Purpose:      order.Purpose,
			Side:         domain.Side(u.Side),
			Qty:          qty,
			Price:        price,
			Fee:          fee,
			ExecutedAtMs: ts,
			VenueExecID:  u.ExecID,
		}
		if err := i.repo.InsertFill(ctx, fill); err != nil {
			log.Printf("wsingest: insert fill: %v", err)
			continue
		}

		order.FilledQty += qty
		if order.FilledQty >= order.Qty {
			order.Status = domain.OrderFilled
		} else {
			order.Status = domain.OrderPartiallyFilled
		}
		order.LastFillAtMs = ts
		if err := i.repo.UpsertOrder(ctx, order); err != nil {
			log.Printf("wsingest: persist order after execution: %v", err)
		}
	}
}

type positionUpdate struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
	Size   string `json:"size"`
}

func (i *Ingest) handlePosition(ctx context.Context, raw json.RawMessage) {
	var updates []positionUpdate
	if err := json.Unmarshal(raw, &updates); err != nil {
		log.Printf("wsingest: decode position update: %v", err)
		return
	}
	for _, u := range updates {
		size, _ := strconv.ParseFloat(u.Size, 64)
		open, err := i.repo.ListOpenPositions(ctx)
		if err != nil {
			continue
		}
		for _, pos := range open {
			if pos.Symbol != u.Symbol {
				continue
			}
			if pos.Meta == nil {
				pos.Meta = map[string]any{}
			}
			pos.Meta["ws_position"] = map[string]any{"size": size, "ts_ms": float64(time.Now().UnixMilli())}
			if err := i.repo.UpsertPosition(ctx, pos); err != nil {
				log.Printf("wsingest: persist ws position snapshot: %v", err)
			}
		}

		snap := domain.AccountSnapshot{
			SnapshotID: uuid.NewString(),
			Source:     domain.SourceWS,
			TsMs:       time.Now().UnixMilli(),
			Symbol:     u.Symbol,
			SizeQty:    size,
		}
		if err := i.repo.InsertAccountSnapshot(ctx, snap); err != nil {
			log.Printf("wsingest: insert account snapshot: %v", err)
		}
	}
}

type walletUpdate struct {
	TotalEquity string `json:"totalEquity"`
}

func (i *Ingest) handleWallet(ctx context.Context, raw json.RawMessage) {
	var updates []walletUpdate
	if err := json.Unmarshal(raw, &updates); err != nil {
		log.Printf("wsingest: decode wallet update: %v", err)
		return
	}
	for _, u := range updates {
		equity, err := strconv.ParseFloat(u.TotalEquity, 64)
		if err != nil {
			continue
		}
		snap := domain.WalletSnapshot{
			SnapshotID: uuid.NewString(),
			Source:     domain.SourceWS,
			TsMs:       time.Now().UnixMilli(),
			EquityUSDT: equity,
		}
		if err := i.repo.InsertWalletSnapshot(ctx, snap); err != nil {
			log.Printf("wsingest: insert wallet snapshot: %v", err)
		}
	}
}
