package gateway

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/quantfeed/md-bridge/internal/config"
	"github.com/quantfeed/md-bridge/internal/entity"
	"github.com/sirupsen/logrus"
)

const (
	wsPingInterval = 2 * time.Minute
	wsShutdownPoll = 250 * time.Millisecond
)

// wsFeedMessage is the frame shape the simulated feed pushes for each tick.
type wsFeedMessage struct {
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	LastPrice float64 `json:"last_price"`
	Volume    float64 `json:"volume"`
	BidPrice1 float64 `json:"bid_price_1"`
	AskPrice1 float64 `json:"ask_price_1"`
	Timestamp int64   `json:"timestamp"`
}

type wsSubscribeFrame struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// WSConnector runs a websocket market feed session. It satisfies the
// ConnectFunc contract: Run blocks for one session, pushing every received
// frame through onTick, and returns non-nil when the session fails.
type WSConnector struct {
	cfg    config.GatewayConfig
	onTick func(entity.VendorTick)

	// pending subscribe requests forwarded from the supervisor.
	requests <-chan string
}

func NewWSConnector(cfg config.GatewayConfig, onTick func(entity.VendorTick), requests <-chan string) *WSConnector {
	return &WSConnector{
		cfg:      cfg,
		onTick:   onTick,
		requests: requests,
	}
}

// Run executes one feed session. The supervisor owns reconnection, so a
// failed session returns immediately instead of looping.
func (w *WSConnector) Run(_ map[string]string, shouldShutdown func() bool) error {
	feedURL := strings.TrimSpace(w.cfg.WSFeedURL)
	if feedURL == "" {
		return fmt.Errorf("ws feed url is not configured")
	}
	wsHost, err := url.Parse(feedURL)
	if err != nil {
		return fmt.Errorf("invalid ws feed url: %w", err)
	}

	logrus.Infof("connecting to %s", wsHost.String())
	conn, _, err := websocket.DefaultDialer.Dial(wsHost.String(), nil)
	if err != nil {
		return fmt.Errorf("ws dial failed: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		return nil
	})

	if len(w.cfg.SeedSymbols) > 0 {
		if err := w.writeSubscribe(conn, w.cfg.SeedSymbols); err != nil {
			_ = conn.Close()
			return fmt.Errorf("ws seed subscribe failed: %w", err)
		}
	}

	stop := make(chan struct{})
	go w.writePump(conn, shouldShutdown, stop)

	defer func() {
		close(stop)
		_ = conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if shouldShutdown() {
				return nil
			}
			return fmt.Errorf("ws read failed: %w", err)
		}

		var frame wsFeedMessage
		if err := json.Unmarshal(message, &frame); err != nil {
			logrus.Errorf("ws frame decode failed: %v", err)
			continue
		}
		w.onTick(vendorTickFromFrame(frame))
	}
}

// writePump owns all writes after the handshake: keepalive pings, forwarded
// subscribe requests, and the close frame on shutdown.
func (w *WSConnector) writePump(conn *websocket.Conn, shouldShutdown func() bool, stop chan struct{}) {
	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()
	pollTicker := time.NewTicker(wsShutdownPoll)
	defer pollTicker.Stop()

	for {
		select {
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logrus.Error(err)
				return
			}
		case vtSymbol, ok := <-w.requests:
			if !ok {
				return
			}
			base, _ := entity.SplitVTSymbol(vtSymbol)
			if err := w.writeSubscribe(conn, []string{base}); err != nil {
				logrus.Errorf("ws subscribe failed: %v", err)
				return
			}
		case <-pollTicker.C:
			if shouldShutdown() {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = conn.Close()
				return
			}
		case <-stop:
			return
		}
	}
}

func (w *WSConnector) writeSubscribe(conn *websocket.Conn, symbols []string) error {
	payload, err := json.Marshal(wsSubscribeFrame{Op: "subscribe", Symbols: symbols})
	if err != nil {
		return err
	}
	logrus.Infof("start subscription for symbols: %s", strings.Join(symbols, ","))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func vendorTickFromFrame(frame wsFeedMessage) entity.VendorTick {
	var ts time.Time
	if frame.Timestamp > 0 {
		ts = time.Unix(frame.Timestamp, 0)
	}
	return entity.VendorTick{
		Symbol:    frame.Symbol,
		Exchange:  frame.Exchange,
		LastPrice: frame.LastPrice,
		Volume:    frame.Volume,
		BidPrice1: frame.BidPrice1,
		AskPrice1: frame.AskPrice1,
		Datetime:  ts,
	}
}
