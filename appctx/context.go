package appctx

import "context"

// ContextKey is the shared type for all context keys in this codebase.
// Keeping it in a tiny package avoids import cycles (config <-> workflow).
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeyCorrelationId = ContextKey("CorrelationId")
	ContextKeyRecruitmentId = ContextKey("RecruitmentId")

	// ContextKeyTrigger records what started the work: "event", "sweep", "feed" or "cli".
	ContextKeyTrigger = ContextKey("Trigger")

	// ContextKeyActor is the operator or service account that requested a transition.
	ContextKeyActor = ContextKey("Actor")

	// ContextKeyLedgerWriter marks statements issued by the history ledger; the
	// gorm history guard rejects partition writes without it.
	ContextKeyLedgerWriter = ContextKey("LedgerWriter")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}

func CorrelationId(ctx context.Context) string {
	v, _ := GetString(ctx, ContextKeyCorrelationId)
	return v
}

func WithCorrelationId(ctx context.Context, id string) context.Context {
	return Set(ctx, ContextKeyCorrelationId, id)
}

func IsLedgerWriter(ctx context.Context) bool {
	v, ok := ctx.Value(ContextKeyLedgerWriter).(bool)
	return ok && v
}

func WithLedgerWriter(ctx context.Context) context.Context {
	return Set(ctx, ContextKeyLedgerWriter, true)
}

func Actor(ctx context.Context) string {
	v, _ := GetString(ctx, ContextKeyActor)
	return v
}

func WithActor(ctx context.Context, actor string) context.Context {
	return Set(ctx, ContextKeyActor, actor)
}

func Trigger(ctx context.Context) string {
	v, _ := GetString(ctx, ContextKeyTrigger)
	return v
}

func WithTrigger(ctx context.Context, trigger string) context.Context {
	return Set(ctx, ContextKeyTrigger, trigger)
}
