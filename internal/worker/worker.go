// Package worker provides a NATS request/reply conversion service.
// Clients publish conversion requests to a subject; workers in a queue
// group convert the document and respond with the result. Each handled
// request is optionally recorded to the ClickHouse audit log.
package worker

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"kunit/internal/convert"
	"kunit/internal/storage"
)

// DefaultSubject is the subject conversion requests are published to.
const DefaultSubject = "kunit.convert"

// DefaultQueue is the queue group name workers subscribe under.
const DefaultQueue = "kunit-workers"

// Request is one conversion job received over NATS.
type Request struct {
	ID         string `json:"id,omitempty"`     // assigned when empty
	Source     string `json:"source,omitempty"` // client identifier for auditing
	Text       string `json:"text"`
	SrcUnits   string `json:"src"`
	DstUnits   string `json:"dst"`
	Models     string `json:"models,omitempty"`     // CSV or "all"
	Transforms string `json:"transforms,omitempty"` // JSON or TOML custom transform document
	InputName  string `json:"input_name,omitempty"`
}

// Reply is the response sent back to the requester.
type Reply struct {
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Output  string `json:"output,omitempty"`
	Changed int    `json:"changed"`
	Error   string `json:"error,omitempty"`
}

// Config holds worker connection settings.
type Config struct {
	URL     string // NATS server URL
	Subject string
	Queue   string
}

// Worker subscribes to a conversion subject and serves requests.
type Worker struct {
	conn    *nats.Conn
	subject string
	queue   string
	audit   *storage.ClickHouseDB // optional
}

// New connects to NATS and returns a Worker. The audit database is
// optional; a nil one disables audit writes.
func New(cfg Config, audit *storage.ClickHouseDB) (*Worker, error) {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("kunit-worker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}

	return &Worker{
		conn:    conn,
		subject: cfg.Subject,
		queue:   cfg.Queue,
		audit:   audit,
	}, nil
}

// Run subscribes and serves until ctx is cancelled, then drains the
// connection so in-flight requests finish before shutdown.
func (w *Worker) Run(ctx context.Context) error {
	sub, err := w.conn.QueueSubscribe(w.subject, w.queue, func(msg *nats.Msg) {
		w.handleMsg(ctx, msg)
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	log.Printf("worker listening on %q (queue %q)", w.subject, w.queue)
	<-ctx.Done()

	log.Printf("worker draining")
	return w.conn.Drain()
}

// Close releases the NATS connection.
func (w *Worker) Close() {
	w.conn.Close()
}

func (w *Worker) handleMsg(ctx context.Context, msg *nats.Msg) {
	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		w.respond(msg, Reply{OK: false, Error: "bad request: " + err.Error()})
		return
	}

	start := time.Now()
	reply := Handle(req)
	w.recordAudit(ctx, req, reply, time.Since(start))
	w.respond(msg, reply)
}

func (w *Worker) respond(msg *nats.Msg, reply Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		log.Printf("marshal reply: %v", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Printf("respond: %v", err)
	}
}

// Handle converts one request. Pure apart from registry reads, so it is
// directly testable without a NATS connection.
func Handle(req Request) Reply {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	custom, err := convert.ParseTransforms(req.Transforms)
	if err != nil {
		return Reply{ID: req.ID, OK: false, Error: err.Error()}
	}
	output, err := convert.ConvertText(req.Text, req.SrcUnits, req.DstUnits, req.Models, custom)
	if err != nil {
		return Reply{ID: req.ID, OK: false, Error: err.Error()}
	}

	return Reply{
		ID:      req.ID,
		OK:      true,
		Output:  output,
		Changed: convert.ChangedLines(req.Text, output),
	}
}

func (w *Worker) recordAudit(ctx context.Context, req Request, reply Reply, elapsed time.Duration) {
	if w.audit == nil {
		return
	}

	id, err := uuid.Parse(reply.ID)
	if err != nil {
		id = uuid.New()
	}
	source := req.Source
	if source == "" {
		source = "worker"
	}

	event := storage.Event{
		ID:           id,
		Timestamp:    time.Now().UTC(),
		Source:       source,
		SrcUnits:     req.SrcUnits,
		DstUnits:     req.DstUnits,
		Models:       splitModels(req.Models),
		InputName:    req.InputName,
		InputBytes:   uint64(len(req.Text)),
		OutputBytes:  uint64(len(reply.Output)),
		ChangedLines: uint32(reply.Changed),
		DurationMS:   float64(elapsed.Microseconds()) / 1000,
		Succeeded:    reply.OK,
		Error:        reply.Error,
	}
	if err := w.audit.Insert(ctx, event); err != nil {
		log.Printf("audit insert: %v", err)
	}
}

func splitModels(models string) []string {
	var out []string
	for _, m := range strings.Split(models, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}
