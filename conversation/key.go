// Package conversation derives stable keys for two-party threads.
package conversation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/karthikraju391/hirechat/apperr"
)

const (
	generalPrefix = "general_"
	jobPrefix     = "job_"
	separator     = "_"
)

// DeriveKey returns the conversation key for two participants, optionally
// scoped to a job. The result does not depend on argument order, and a
// job-scoped key never equals the general key for the same pair.
func DeriveKey(userA, userB, jobID string) string {
	ids := []string{userA, userB}
	sort.Strings(ids)
	pair := strings.Join(ids, separator)
	if jobID != "" {
		return jobPrefix + jobID + separator + pair
	}
	return generalPrefix + pair
}

// Validate rejects inputs DeriveKey does not define behaviour for.
func Validate(userA, userB string) error {
	if userA == "" || userB == "" {
		return fmt.Errorf("%w: both participant ids are required", apperr.ErrValidation)
	}
	if userA == userB {
		return fmt.Errorf("%w: cannot open a conversation with yourself", apperr.ErrValidation)
	}
	return nil
}

// IsJobScoped reports whether key was derived with a job id.
func IsJobScoped(key string) bool {
	return strings.HasPrefix(key, jobPrefix)
}

// Matches reports whether key belongs to the given pair and job.
func Matches(key, userA, userB, jobID string) bool {
	return key == DeriveKey(userA, userB, jobID)
}
