package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Dashboard serves the metric history over HTTP and pushes every new epoch
// to connected websocket clients.
//
//	GET /metrics         full history as JSON
//	GET /plot/{chart}    chart rendered as SVG (loss, accuracy, lr)
//	GET /ws              websocket stream of Points, history first
type Dashboard struct {
	mu      sync.Mutex
	history []Point
	clients map[*websocket.Conn]bool

	upgrader websocket.Upgrader
	router   *mux.Router
	server   *http.Server

	// WriteTimeout bounds every websocket write; a client that stops
	// reading is dropped once it expires.
	WriteTimeout time.Duration
}

const defaultWriteTimeout = 5 * time.Second

// NewDashboard builds a dashboard without starting a listener; use Handler
// to mount it or ListenAndServe to run it.
func NewDashboard() *Dashboard {
	d := &Dashboard{
		clients:  make(map[*websocket.Conn]bool),
		upgrader:     websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		WriteTimeout: defaultWriteTimeout,
	}
	r := mux.NewRouter()
	r.HandleFunc("/metrics", d.metricsHandler).Methods("GET")
	r.HandleFunc("/plot/{chart}", d.plotHandler).Methods("GET")
	r.HandleFunc("/ws", d.wsHandler)
	d.router = r
	return d
}

// Handler returns the dashboard's router.
func (d *Dashboard) Handler() http.Handler { return d.router }

// ListenAndServe starts serving on addr in the background and returns the
// bound address.
func (d *Dashboard) ListenAndServe(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("dashboard listen: %w", err)
	}
	d.mu.Lock()
	d.server = &http.Server{Handler: d.router, ReadHeaderTimeout: 10 * time.Second}
	srv := d.server
	d.mu.Unlock()
	go srv.Serve(ln)
	return ln.Addr().String(), nil
}

// History returns a copy of the logged points.
func (d *Dashboard) History() []Point {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Point(nil), d.history...)
}

func (d *Dashboard) Log(epoch int, metrics map[string]float64) error {
	pt := Point{Epoch: epoch, Metrics: copyMetrics(metrics)}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, pt)
	for conn := range d.clients {
		if err := d.writePoint(conn, pt); err != nil {
			conn.Close()
			delete(d.clients, conn)
		}
	}
	return nil
}

func (d *Dashboard) Close() error {
	d.mu.Lock()
	for conn := range d.clients {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "training finished"),
			time.Now().Add(d.WriteTimeout))
		conn.Close()
		delete(d.clients, conn)
	}
	srv := d.server
	d.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// writePoint must be called with d.mu held.
func (d *Dashboard) writePoint(conn *websocket.Conn, pt Point) error {
	if err := conn.SetWriteDeadline(time.Now().Add(d.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(pt)
}

func (d *Dashboard) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d.History()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (d *Dashboard) plotHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["chart"]
	for _, chart := range DefaultCharts {
		if chart.Name != name {
			continue
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		if err := writeSVG(w, chart, d.History()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	http.NotFound(w, r)
}

func (d *Dashboard) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	d.mu.Lock()
	for _, pt := range d.history {
		if err := d.writePoint(conn, pt); err != nil {
			d.mu.Unlock()
			conn.Close()
			return
		}
	}
	d.clients[conn] = true
	d.mu.Unlock()

	// Drain reads so close frames from the client are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				d.mu.Lock()
				if d.clients[conn] {
					delete(d.clients, conn)
					conn.Close()
				}
				d.mu.Unlock()
				return
			}
		}
	}()
}
