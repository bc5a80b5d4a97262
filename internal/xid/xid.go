package xid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a time-ordered identifier such as "sale-0190f3c2-...". The prefix
// keeps ids readable in logs and audit entries.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	if prefix == "" {
		return id.String()
	}
	return fmt.Sprintf("%s-%s", prefix, id.String())
}
