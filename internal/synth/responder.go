package synth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/nats-io/nats.go"
)

const responderQueue = "loqa-tts"

// Responder answers synthesis requests arriving on the bus with buffered
// synthesis results. Gateways sharing a bus form one queue group.
type Responder struct {
	svc    *Service
	conn   *nats.Conn
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewResponder(parent context.Context, svc *Service, conn *nats.Conn, log *slog.Logger) *Responder {
	ctx, cancel := context.WithCancel(parent)
	return &Responder{
		svc:    svc,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "bus-responder")),
	}
}

func (r *Responder) Start() error {
	sub, err := r.conn.QueueSubscribe(protocol.SubjectSynthesisRequest, responderQueue, r.handleRequest)
	if err != nil {
		return err
	}
	r.sub = sub
	return nil
}

func (r *Responder) Close() {
	r.cancel()
	if r.sub != nil {
		_ = r.sub.Drain()
	}
	r.wg.Wait()
}

// Healthy reports whether the request subscription is live.
func (r *Responder) Healthy() bool { return r != nil && r.sub != nil && r.sub.IsValid() }

func (r *Responder) handleRequest(msg *nats.Msg) {
	var req protocol.SynthesisRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.logger.Warn("failed to decode synthesis request", slogError(err))
		r.reply(msg, protocol.SynthesisReply{Code: "invalid_request", Error: "invalid json"})
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		result, err := r.svc.Synthesize(r.ctx, Request{
			RequestID: req.RequestID,
			Text:      req.Text,
			Voice:     req.Voice,
			Language:  req.Language,
		})
		if err != nil {
			reply := protocol.SynthesisReply{RequestID: req.RequestID, Code: "synthesis_failed", Error: err.Error()}
			var verr *ValidationError
			if errors.As(err, &verr) {
				reply.Code = "validation_error"
			}
			r.reply(msg, reply)
			return
		}
		r.reply(msg, protocol.SynthesisReply{
			RequestID:   req.RequestID,
			EngineVoice: result.EngineVoice,
			ContentType: result.ContentType,
			Audio:       result.Audio,
		})
	}()
}

func (r *Responder) reply(msg *nats.Msg, reply protocol.SynthesisReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		r.logger.Warn("failed to marshal synthesis reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Warn("failed to publish synthesis reply", slogError(err))
	}
}
