package signal

import (
	"errors"

	"github.com/dkeye/wdi/internal/core"
	"github.com/dkeye/wdi/internal/metrics"
	"github.com/dkeye/wdi/internal/protocol"
)

// OnMessage is called from the channel's read loop, one message at a time.
func (l *Link) OnMessage(binary bool, data core.Frame) {
	env, err := protocol.Decode(binary, data)
	if err != nil {
		l.reject(err)
		return
	}

	switch {
	case env.RQ != "":
		l.dispatchRequest(env)
	case env.RS != "":
		l.handleResponse(env)
	case env.Type == protocol.TypeWebRTC:
		n, err := protocol.DecodeNegotiation(env.Raw)
		if err != nil {
			l.logger.Warn().Err(err).Msg("bad negotiation message")
			return
		}
		l.disp.HandleNegotiation(n)
	case protocol.IsRequestKind(env.Type):
		l.logger.Warn().Str("type", env.Type).Msg("request without $rq, ignored")
	case env.Type == protocol.TypeDiagnostics:
		l.logger.Warn().RawJSON("diagnostics", env.Raw).Msg("remote reported a protocol violation")
	default:
		l.logger.Warn().Str("type", env.Type).Msg("unrecognized message")
	}
}

func (l *Link) OnClose(err error) {
	l.finish(err)
}

// dispatchRequest serves each request on its own goroutine. Requests about
// the same stream still run one after another, in arrival order.
func (l *Link) dispatchRequest(env *protocol.Envelope) {
	req, err := protocol.DecodeRequest(env.Type, env.Raw)
	key := ""
	if err == nil {
		key = protocol.StreamKey(req)
	}
	if key == "" {
		go l.serveRequest(env, req, err)
		return
	}

	done := make(chan struct{})
	l.orderMu.Lock()
	prev := l.tails[key]
	l.tails[key] = done
	l.orderMu.Unlock()

	go func() {
		if prev != nil {
			<-prev
		}
		l.serveRequest(env, req, err)
		close(done)
		l.orderMu.Lock()
		if l.tails[key] == done {
			delete(l.tails, key)
		}
		l.orderMu.Unlock()
	}()
}

func (l *Link) serveRequest(env *protocol.Envelope, req protocol.Request, err error) {
	kind := env.Type
	if err == nil && l.limiter != nil && !l.limiter.Allow(l.limiterPrefix()+kind) {
		err = ErrRateLimited
	}

	var res any
	if err == nil {
		res, err = l.disp.HandleRequest(l.ctx, req)
	}

	var out []byte
	if err == nil {
		out, err = protocol.EncodeResult(env.RQ, res)
	}
	if err != nil {
		l.logger.Debug().Err(err).Str("type", kind).Str("rq", env.RQ).Msg("request failed")
		metrics.Requests.WithLabelValues("in", kind, "error").Inc()
		if out, err = protocol.EncodeException(env.RQ, err); err != nil {
			l.logger.Error().Err(err).Msg("encode exception")
			return
		}
	} else {
		metrics.Requests.WithLabelValues("in", kind, "ok").Inc()
	}

	if err := l.ch.Send(out); err != nil {
		l.logger.Debug().Err(err).Str("type", kind).Msg("response not sent")
	}
}

func (l *Link) handleResponse(env *protocol.Envelope) {
	resp, err := protocol.DecodeResponse(env.Raw)
	if err != nil {
		l.logger.Warn().Err(err).Str("rs", env.RS).Msg("bad response")
		return
	}
	if !l.settle(env.RS, result{payload: resp.Payload(), err: resp.Err()}) {
		l.logger.Debug().Str("rs", env.RS).Msg("response for unknown request")
	}
}

// reject handles a payload that failed the inbound contract.
func (l *Link) reject(err error) {
	var v *protocol.Violation
	if !errors.As(err, &v) {
		l.logger.Warn().Err(err).Msg("bad message")
		return
	}
	metrics.Diagnostics.WithLabelValues(string(v.Code)).Inc()
	l.logger.Warn().Str("code", string(v.Code)).Msg(v.Message)

	if l.diagnostics {
		if data, err := protocol.EncodeDiagnostics(v); err == nil {
			_ = l.ch.Send(data)
		}
	}
	_ = l.ch.Close()
	l.finish(v)
}

func (l *Link) limiterPrefix() string { return string(l.sid) + "/" }
