package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"

	"pkt.systems/statebus/internal/engine"
)

type opFunc func(r *http.Request, args callArgs) (any, error)

// CallResponse wraps the result of a successful call.
type CallResponse struct {
	Result any `json:"result"`
}

func (h *Handler) handleCall(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "POST required"}
	}
	op := trimOp(r.URL.Path)
	fn, ok := h.ops[op]
	if !ok {
		return httpError{Status: http.StatusNotFound, Code: "unknown_operation", Detail: fmt.Sprintf("operation %q is not supported", op)}
	}
	args, err := decodeArgs(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		return err
	}
	result, err := fn(r, args)
	if err != nil {
		return err
	}
	requestLogger(r.Context(), h.logger).Trace("httpapi.call", "op", op, "args", len(args))
	h.writeJSON(w, http.StatusOK, CallResponse{Result: result})
	return nil
}

func decodeArgs(body io.Reader) (callArgs, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, httpError{Status: http.StatusBadRequest, Code: engine.ErrInvalidArgument.Code, Detail: fmt.Sprintf("read body: %v", err)}
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	var args callArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, httpError{Status: http.StatusBadRequest, Code: engine.ErrInvalidArgument.Code, Detail: "arguments must be a JSON array"}
	}
	return args, nil
}

// callArgs is the positional argument array of a call. Absent trailing
// arguments read as JSON null.
type callArgs []json.RawMessage

func (a callArgs) raw(i int) json.RawMessage {
	if i >= len(a) || len(a[i]) == 0 {
		return json.RawMessage("null")
	}
	return a[i]
}

func (a callArgs) present(i int) bool {
	return !bytes.Equal(bytes.TrimSpace(a.raw(i)), []byte("null"))
}

func argError(i int, kind string, err error) error {
	return httpError{Status: http.StatusBadRequest, Code: engine.ErrInvalidArgument.Code, Detail: fmt.Sprintf("argument %d: expected %s: %v", i, kind, err)}
}

func (a callArgs) str(i int) (string, error) {
	if !a.present(i) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(a.raw(i), &s); err != nil {
		return "", argError(i, "string", err)
	}
	return s, nil
}

func (a callArgs) strs(i int) ([]string, error) {
	var list []string
	if err := json.Unmarshal(a.raw(i), &list); err != nil {
		return nil, argError(i, "string array", err)
	}
	return list, nil
}

func (a callArgs) number(i int) (float64, error) {
	if !a.present(i) {
		return 0, nil
	}
	var f float64
	if err := json.Unmarshal(a.raw(i), &f); err != nil {
		return 0, argError(i, "number", err)
	}
	return f, nil
}

func (a callArgs) integer(i int) (int64, error) {
	if !a.present(i) {
		return 0, httpError{Status: http.StatusBadRequest, Code: engine.ErrInvalidArgument.Code, Detail: fmt.Sprintf("argument %d: integer required", i)}
	}
	f, err := a.number(i)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(f)), nil
}

func (a callArgs) value(i int) (any, error) {
	var v any
	if err := json.Unmarshal(a.raw(i), &v); err != nil {
		return nil, argError(i, "JSON value", err)
	}
	return v, nil
}

func (a callArgs) object(i int) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(a.raw(i), &m); err != nil {
		return nil, argError(i, "object", err)
	}
	return m, nil
}

// data decodes a base64 string argument.
func (a callArgs) data(i int) ([]byte, error) {
	var b []byte
	if err := json.Unmarshal(a.raw(i), &b); err != nil {
		return nil, argError(i, "base64 string", err)
	}
	return b, nil
}

// idArg covers the large family of calls whose first argument is an id.
func idArg(fn func(id string, args callArgs) (any, error)) opFunc {
	return func(_ *http.Request, args callArgs) (any, error) {
		id, err := args.str(0)
		if err != nil {
			return nil, err
		}
		return fn(id, args)
	}
}

func none(err error) (any, error) { return nil, err }

func (h *Handler) subscription(fn func(c engine.Conn, target string)) opFunc {
	return func(r *http.Request, args callArgs) (any, error) {
		conn, err := h.lookupConn(r)
		if err != nil {
			return nil, err
		}
		target, err := args.str(0)
		if err != nil {
			return nil, err
		}
		fn(conn, target)
		select {
		case <-conn.done:
			h.engine.Detach(conn)
		default:
		}
		return nil, nil
	}
}

func (h *Handler) operations() map[string]opFunc {
	e := h.engine
	return map[string]opFunc{
		// states
		"getState": idArg(func(id string, _ callArgs) (any, error) { return e.GetState(id) }),
		"getStates": func(_ *http.Request, args callArgs) (any, error) {
			ids, err := args.strs(0)
			if err != nil {
				return nil, err
			}
			return e.GetStates(ids)
		},
		"setState": idArg(func(id string, args callArgs) (any, error) {
			u, err := engine.ParseStateUpdate(args.raw(1))
			if err != nil {
				return nil, err
			}
			return e.SetState(id, u)
		}),
		"setRawState": idArg(func(id string, args callArgs) (any, error) {
			var record engine.State
			if err := json.Unmarshal(args.raw(1), &record); err != nil {
				return nil, argError(1, "state record", err)
			}
			return none(e.SetRawState(id, record))
		}),
		"delState": idArg(func(id string, _ callArgs) (any, error) { return none(e.DelState(id)) }),
		"getKeys": func(_ *http.Request, args callArgs) (any, error) {
			glob, err := args.str(0)
			if err != nil {
				return nil, err
			}
			return e.GetKeys(glob)
		},
		"setBinaryState": idArg(func(id string, args callArgs) (any, error) {
			data, err := args.data(1)
			if err != nil {
				return nil, err
			}
			return none(e.SetBinaryState(id, data))
		}),
		"getBinaryState": idArg(func(id string, _ callArgs) (any, error) { return e.GetBinaryState(id) }),
		"delBinaryState": idArg(func(id string, _ callArgs) (any, error) { return none(e.DelBinaryState(id)) }),
		"subscribe":      h.subscription(e.Subscribe),
		"unsubscribe":    h.subscription(e.Unsubscribe),

		// objects
		"getConfig": idArg(func(id string, _ callArgs) (any, error) { return e.GetConfig(id) }),
		"getConfigs": func(_ *http.Request, args callArgs) (any, error) {
			ids, err := args.strs(0)
			if err != nil {
				return nil, err
			}
			return e.GetConfigs(ids)
		},
		"getConfigKeys": func(_ *http.Request, args callArgs) (any, error) {
			glob, err := args.str(0)
			if err != nil {
				return nil, err
			}
			return e.GetConfigKeys(glob)
		},
		"setConfig": idArg(func(id string, args callArgs) (any, error) {
			obj, err := args.object(1)
			if err != nil {
				return nil, err
			}
			return none(e.SetConfig(id, obj))
		}),
		"delConfig":         idArg(func(id string, _ callArgs) (any, error) { return none(e.DelConfig(id)) }),
		"subscribeConfig":   h.subscription(e.SubscribeConfig),
		"unsubscribeConfig": h.subscription(e.UnsubscribeConfig),

		// fifos
		"pushFifoExists": idArg(func(id string, args callArgs) (any, error) {
			v, err := args.value(1)
			if err != nil {
				return nil, err
			}
			return e.PushFifoExists(id, v)
		}),
		"pushFifo": idArg(func(id string, args callArgs) (any, error) {
			v, err := args.value(1)
			if err != nil {
				return nil, err
			}
			return e.PushFifo(id, v)
		}),
		"lenFifo": idArg(func(id string, _ callArgs) (any, error) { return e.LenFifo(id) }),
		"getFifo": idArg(func(id string, _ callArgs) (any, error) { return e.GetFifo(id) }),
		"getFifoRange": idArg(func(id string, args callArgs) (any, error) {
			start, err := args.integer(1)
			if err != nil {
				return nil, err
			}
			end, err := args.integer(2)
			if err != nil {
				return nil, err
			}
			return e.GetFifoRange(id, int(start), int(end))
		}),
		"trimFifo": idArg(func(id string, args callArgs) (any, error) {
			minLen, err := args.integer(1)
			if err != nil {
				return nil, err
			}
			maxLen, err := args.integer(2)
			if err != nil {
				return nil, err
			}
			return e.TrimFifo(id, int(minLen), int(maxLen))
		}),

		// message boxes
		"pushMessage": idArg(func(id string, args callArgs) (any, error) {
			v, err := args.value(1)
			if err != nil {
				return nil, err
			}
			return e.PushMessage(id, v)
		}),
		"lenMessage": idArg(func(id string, _ callArgs) (any, error) { return e.LenMessage(id) }),
		"getMessage": idArg(func(id string, _ callArgs) (any, error) { return e.GetMessage(id) }),
		"delMessage": idArg(func(id string, args callArgs) (any, error) {
			seq, err := args.integer(1)
			if err != nil {
				return nil, err
			}
			return none(e.DelMessage(id, seq))
		}),
		"subscribeMessage":   h.subscription(e.SubscribeMessage),
		"unsubscribeMessage": h.subscription(e.UnsubscribeMessage),

		// logs
		"pushLog": idArg(func(id string, args callArgs) (any, error) {
			v, err := args.value(1)
			if err != nil {
				return nil, err
			}
			return none(e.PushLog(id, v))
		}),
		"lenLog":         idArg(func(id string, _ callArgs) (any, error) { return e.LenLog(id) }),
		"getLog":         idArg(func(id string, _ callArgs) (any, error) { return e.GetLog(id) }),
		"subscribeLog":   h.subscription(e.SubscribeLog),
		"unsubscribeLog": h.subscription(e.UnsubscribeLog),

		// sessions
		"getSession": idArg(func(id string, _ callArgs) (any, error) { return e.GetSession(id) }),
		"setSession": idArg(func(id string, args callArgs) (any, error) {
			expire, err := args.number(1)
			if err != nil {
				return nil, err
			}
			payload, err := args.value(2)
			if err != nil {
				return nil, err
			}
			return none(e.SetSession(id, expire, payload))
		}),
		"destroySession": idArg(func(id string, _ callArgs) (any, error) { return none(e.DestroySession(id)) }),

		// files
		"writeFile": idArg(func(id string, args callArgs) (any, error) {
			name, err := args.str(1)
			if err != nil {
				return nil, err
			}
			data, err := args.data(2)
			if err != nil {
				return nil, err
			}
			return none(e.WriteFile(id, name, data))
		}),
		"readFile": idArg(func(id string, args callArgs) (any, error) {
			name, err := args.str(1)
			if err != nil {
				return nil, err
			}
			return e.ReadFile(id, name)
		}),
		"unlinkFile": idArg(func(id string, args callArgs) (any, error) {
			name, err := args.str(1)
			if err != nil {
				return nil, err
			}
			return none(e.UnlinkFile(id, name))
		}),
		"readDir": idArg(func(id string, args callArgs) (any, error) {
			name, err := args.str(1)
			if err != nil {
				return nil, err
			}
			return e.ReadDir(id, name)
		}),
	}
}
