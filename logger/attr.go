package logger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
)

/*
Log attribute key values. Generally shouldn't be used directly, use
appropriate "attribute constructor function" instead.

Only define names here if they are common for multiple modules, module
specific names should be defined in the module.
*/
const (
	NodeIDKey = "node_id"
	PeerIDKey = "peer_id"
	ModuleKey = "module"
	ErrorKey  = "err"
	EpochKey  = "epoch"
	RoundKey  = "round"
	DataKey   = "data"
)

/*
NodeID adds the ID of the node doing the logging.

This function should be used with logger.With() method to create sub-logger
for the node (rather than adding NodeID call to individual logging calls).
*/
func NodeID(id peer.ID) slog.Attr {
	return slog.Any(NodeIDKey, id)
}

// PeerID adds ID of the remote peer the message is about.
func PeerID(id peer.ID) slog.Attr {
	return slog.Any(PeerIDKey, id)
}

/*
Error adds error to the log

	if err:= f(); err != nil {
		log.Error("calling f", logger.Error(err))
	}
*/
func Error(err error) slog.Attr {
	return slog.Any(ErrorKey, err)
}

func Epoch(epoch uint64) slog.Attr {
	return slog.Uint64(EpochKey, epoch)
}

func Round(round uint64) slog.Attr {
	return slog.Uint64(RoundKey, round)
}

/*
Data adds additional data field to the message. Use it for dumping
messages on trace level:

	log.Log(ctx, logger.LevelTrace, "received message", logger.Data(msg))
*/
func Data(d any) slog.Attr {
	return slog.Any(DataKey, d)
}

type attrFormatter = func(groups []string, a slog.Attr) slog.Attr

// chainFormatters combines formatters into single func, nil formatters are skipped.
func chainFormatters(f ...attrFormatter) attrFormatter {
	f = slices.DeleteFunc(f, func(f attrFormatter) bool { return f == nil })
	if len(f) == 0 {
		return nil
	}
	return func(groups []string, a slog.Attr) slog.Attr {
		for _, fn := range f {
			if a = fn(groups, a); a.Equal(slog.Attr{}) {
				return a
			}
		}
		return a
	}
}

func timeFormatter(format string) attrFormatter {
	switch format {
	case "":
		return nil
	case "none":
		return func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		}
	default:
		return func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				if t := a.Value.Time(); !t.IsZero() {
					a.Value = slog.StringValue(t.Format(format))
				}
			}
			return a
		}
	}
}

func peerIDFormatter(format string) attrFormatter {
	switch format {
	case "none":
		return func(groups []string, a slog.Attr) slog.Attr {
			if _, ok := peerIDValue(a); ok {
				return slog.Attr{}
			}
			return a
		}
	case "short":
		return func(groups []string, a slog.Attr) slog.Attr {
			if id, ok := peerIDValue(a); ok {
				a.Value = slog.StringValue(ShortID(id))
			}
			return a
		}
	default:
		return nil
	}
}

func peerIDValue(a slog.Attr) (peer.ID, bool) {
	if a.Value.Kind() != slog.KindAny {
		return "", false
	}
	id, ok := a.Value.Any().(peer.ID)
	return id, ok
}

// ShortID returns abbreviated form of the peer ID, ie "16*2Ezzek".
func ShortID(id peer.ID) string {
	s := id.String()
	if len(s) > 10 {
		return fmt.Sprintf("%s*%s", s[:2], s[len(s)-6:])
	}
	return s
}

// levelFormatter gives LevelTrace a name, slog would print it as "DEBUG-4".
func levelFormatter(lower bool) attrFormatter {
	return func(groups []string, a slog.Attr) slog.Attr {
		if a.Key != slog.LevelKey || len(groups) != 0 {
			return a
		}
		name := a.Value.String()
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl <= LevelTrace {
			name = "TRACE"
		}
		if lower {
			name = strings.ToLower(name)
		}
		return slog.String(slog.LevelKey, name)
	}
}

// dataAsJSON renders the data attribute as JSON string for the text based handlers.
func dataAsJSON(groups []string, a slog.Attr) slog.Attr {
	if a.Key == DataKey && a.Value.Kind() == slog.KindAny {
		if b, err := json.Marshal(a.Value.Any()); err == nil {
			a.Value = slog.StringValue(string(b))
		}
	}
	return a
}

/*
formatAttrECS renames the well known attributes according to the Elastic
Common Schema.
*/
func formatAttrECS(groups []string, a slog.Attr) slog.Attr {
	if len(groups) != 0 {
		return a
	}
	switch a.Key {
	case slog.MessageKey:
		return slog.String("message", a.Value.String())
	case slog.LevelKey:
		return slog.String("log.level", a.Value.String())
	case slog.SourceKey:
		if src, ok := a.Value.Any().(*slog.Source); ok {
			_, file := filepath.Split(src.File)
			return slog.Group("log.origin",
				slog.String("function", src.Function),
				slog.Group("file", slog.String("name", file), slog.Int("line", src.Line)),
			)
		}
	case NodeIDKey:
		return slog.Attr{Key: "service.node.name", Value: a.Value}
	case ErrorKey:
		return slog.Any("error.message", a.Value.Any())
	}
	return a
}

// consoleFields adapts slog JSON output to the field names zerolog console writer expects.
func consoleFields(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.MessageKey && len(groups) == 0 {
		return slog.String("message", a.Value.String())
	}
	return a
}
