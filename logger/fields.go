package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are attached to every record logged with a context carrying them.
type LogFields struct {
	UserID          string
	ConversationKey string
	ApplicationID   string
	OfferID         string
	Component       string // e.g. "hirechat.negotiation"
}

// WithLogFields merges fields into ctx; non-empty values override earlier ones.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := GetLogFields(ctx)
	if fields.UserID != "" {
		merged.UserID = fields.UserID
	}
	if fields.ConversationKey != "" {
		merged.ConversationKey = fields.ConversationKey
	}
	if fields.ApplicationID != "" {
		merged.ApplicationID = fields.ApplicationID
	}
	if fields.OfferID != "" {
		merged.OfferID = fields.OfferID
	}
	if fields.Component != "" {
		merged.Component = fields.Component
	}
	return context.WithValue(ctx, logFieldsKey, merged)
}

func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

// Truncate shortens s for logging message bodies.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
