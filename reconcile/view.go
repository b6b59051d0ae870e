package reconcile

import (
	"sort"
	"time"

	"github.com/karthikraju391/hirechat/models"
)

// Entry is one rendered row: either a day separator or a message.
type Entry struct {
	Separator bool
	Label     string // set on separators
	Day       time.Time
	Message   models.Message
}

// ViewOptions control rendering. Zero values mean: now = time.Now(),
// loc = time.Local, no limit.
type ViewOptions struct {
	Now      time.Time
	Location *time.Location
	// Limit keeps only the most recent Limit messages so long histories can
	// be rendered page by page.
	Limit      int
	DateLayout string
}

const defaultDateLayout = "January 2, 2006"

// View renders the log: duplicates by id collapse to the last one seen,
// messages are ordered chronologically and a separator precedes each
// calendar day.
func (l *Log) View(opts ViewOptions) []Entry {
	return Render(l.All(), opts)
}

// Render is View over an arbitrary slice.
func Render(messages []models.Message, opts ViewOptions) []Entry {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.DateLayout == "" {
		opts.DateLayout = defaultDateLayout
	}

	msgs := dedupeByID(messages)
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	if opts.Limit > 0 && len(msgs) > opts.Limit {
		msgs = msgs[len(msgs)-opts.Limit:]
	}

	today := dayOf(opts.Now, opts.Location)
	yesterday := today.AddDate(0, 0, -1)

	var (
		out     []Entry
		current time.Time
	)
	for _, m := range msgs {
		day := dayOf(m.CreatedAt, opts.Location)
		if len(out) == 0 || !day.Equal(current) {
			current = day
			out = append(out, Entry{Separator: true, Day: day, Label: dayLabel(day, today, yesterday, opts.DateLayout)})
		}
		out = append(out, Entry{Day: day, Message: m})
	}
	return out
}

// dedupeByID keeps the last occurrence of each id, at that occurrence's position.
func dedupeByID(messages []models.Message) []models.Message {
	last := make(map[string]int, len(messages))
	for i, m := range messages {
		last[m.ID] = i
	}
	out := make([]models.Message, 0, len(last))
	for i, m := range messages {
		if last[m.ID] == i {
			out = append(out, m)
		}
	}
	return out
}

func dayOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func dayLabel(day, today, yesterday time.Time, layout string) string {
	switch {
	case day.Equal(today):
		return "Today"
	case day.Equal(yesterday):
		return "Yesterday"
	default:
		return day.Format(layout)
	}
}
