package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/c360/mapeflow/errors"
	"github.com/c360/mapeflow/item"
	"github.com/c360/mapeflow/mape"
)

// Query parameters of the notify endpoint.
const (
	ParamPort         = "port"
	ParamNotification = "notification"
)

// NotifyPath returns the notify endpoint path for an element path
// "loop.element".
func NotifyPath(elementPath string) (string, error) {
	loop, element, ok := strings.Cut(elementPath, mape.PathSeparator)
	if !ok || loop == "" || element == "" || strings.Contains(element, mape.PathSeparator) {
		return "", errors.WrapInvalid(errors.ErrInvalidUID, "gateway", "NotifyPath",
			fmt.Sprintf("parse element path %q", elementPath))
	}
	return "/loops/" + loop + "/elements/" + element, nil
}

func (s *Server) handleLoops(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.app.LoopUIDs()))
}

func (s *Server) handleLevels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.app.LevelUIDs()))
}

func (s *Server) handleElements(w http.ResponseWriter, r *http.Request) {
	loop, err := s.app.Loop(r.PathValue("loop"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(loop.ElementUIDs()))
}

func (s *Server) element(r *http.Request) (*mape.Element, error) {
	loop, err := s.app.Loop(r.PathValue("loop"))
	if err != nil {
		return nil, err
	}
	return loop.Element(r.PathValue("element"))
}

// handleNotify decodes the body with the codec chosen by Content-Type and
// pushes it onto the selected port on the scheduler. The input port feeds the
// element pipeline; the output port feeds its subscribers directly.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	e, err := s.element(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	var port *mape.Port
	switch q.Get(ParamPort) {
	case "", mape.PortIn:
		port = e.In()
	case mape.PortOut:
		port = e.Out()
	default:
		s.writeError(w, r, errors.WrapInvalid(fmt.Errorf("unknown port %q", q.Get(ParamPort)),
			"Server", "handleNotify", "select port"))
		return
	}

	kind := item.KindNext
	if v := q.Get(ParamNotification); v != "" {
		if kind, err = item.ParseNotificationKind(v); err != nil {
			s.writeError(w, r, errors.WrapInvalid(err, "Server", "handleNotify", "parse notification"))
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxRequestSize+1))
	if err != nil {
		s.writeError(w, r, errors.WrapInvalid(err, "Server", "handleNotify", "read body"))
		return
	}
	if int64(len(body)) > s.maxRequestSize {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{
			Error:  fmt.Sprintf("request body exceeds %d bytes", s.maxRequestSize),
			Status: http.StatusRequestEntityTooLarge,
		})
		return
	}

	n, err := s.decode(r, kind, body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Debug("Notify", "element", e.Path(), "port", port.Name(), "notification", kind.String(),
		"request_id", requestID(r.Context()))
	// Values sent to the output port skip the element and go straight to its
	// subscribers.
	target := port.Emitter()
	s.scheduler.Schedule(func() {
		switch n.Kind {
		case item.KindError:
			target.OnError(n.Err)
		case item.KindCompleted:
			target.OnCompleted()
		default:
			target.OnNext(n.Value)
		}
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// decode turns a request body into the notification selected by kind. Error
// bodies may carry an encoded error or any value, which becomes its message;
// completion ignores the body.
func (s *Server) decode(r *http.Request, kind item.NotificationKind, body []byte) (item.Notification, error) {
	if kind == item.KindCompleted {
		return item.Completed(), nil
	}
	if kind == item.KindError && len(body) == 0 {
		return item.Error(&item.RemoteError{Message: "remote error"}), nil
	}

	codec, err := item.CodecFor(r.Header.Get("Content-Type"))
	if err != nil {
		return item.Notification{}, err
	}
	n, err := codec.Decode(body)
	if err != nil {
		return item.Notification{}, err
	}

	switch {
	case kind == item.KindNext && n.Kind == item.KindNext:
		return n, nil
	case kind == item.KindError && n.Kind == item.KindError:
		return n, nil
	case kind == item.KindError && n.Kind == item.KindNext:
		return item.Error(&item.RemoteError{Message: fmt.Sprint(item.ValueOf(n.Value))}), nil
	}
	return item.Notification{}, errors.WrapInvalid(errors.ErrUnsupportedKind, "Server", "decode",
		fmt.Sprintf("body carries %s for notification=%s", n.Kind, kind))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}
	status := s.health.Check(r.Context())
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

type errorBody struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// statusOf maps classified errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError answers with a message safe for clients. Not-found and invalid
// errors describe the request; other failures are logged and reported
// generically.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	msg := http.StatusText(code)

	var nf *errors.NotFoundError
	switch {
	case errors.As(err, &nf):
		msg = nf.Error()
	case code == http.StatusBadRequest:
		msg = "invalid request"
		var ce *errors.ClassifiedError
		if errors.As(err, &ce) && ce.Err != nil {
			msg = rootCause(ce.Err).Error()
		}
	default:
		s.logger.Error("Request failed", "path", r.URL.Path, "error", err,
			"request_id", requestID(r.Context()))
	}
	writeJSON(w, code, errorBody{Error: msg, Status: code})
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
