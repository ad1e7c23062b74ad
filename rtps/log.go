package rtps

import (
	"go.uber.org/zap"
)

// Logging convention: Info for one-time or abnormal events (participant
// discovered or lost, transport up), Warn for dropped sends, Debug for
// anything that happens per message.

func guidField(key string, g GUID) zap.Field {
	return zap.Stringer(key, g)
}

func prefixField(key string, gp GUIDPrefix) zap.Field {
	return zap.Stringer(key, gp)
}

func seqField(key string, s SeqNum) zap.Field {
	return zap.Int64(key, int64(s))
}

func endpointLogger(log *zap.Logger, kind string, guid GUID, topic string) *zap.Logger {
	l := log.Named(kind).With(guidField("guid", guid))
	if topic != "" {
		l = l.With(zap.String("topic", topic))
	}
	return l
}
