package rclone

import (
	"fmt"
	"slices"

	"syncjob/internal/model"
)

type Category int

const (
	Unclassified Category = iota
	Success
	GenericFailure
	NotFound
	TransientRemote
	PermanentRemote
)

// exitCategories encodes rclone's documented exit codes
// (https://rclone.org/docs/#exit-code). Codes not listed are Unclassified.
var exitCategories = map[int]Category{
	0: Success,         // success
	1: GenericFailure,  // syntax or usage error
	2: GenericFailure,  // error not otherwise categorised
	3: NotFound,        // directory not found
	4: NotFound,        // file not found
	5: TransientRemote, // temporary error (one that more retries might fix), e.g. rate limiting
	6: PermanentRemote, // less serious errors (NoRetry errors)
	7: PermanentRemote, // fatal error (one that more retries won't fix, like account suspended)
	8: TransientRemote, // transfer exceeded, limit set by --max-transfer reached
}

// Classify maps an exit status to its category. It is total: unknown codes,
// including negative ones reported for signal deaths, are Unclassified.
func Classify(code int) Category {
	if c, ok := exitCategories[code]; ok {
		return c
	}
	return Unclassified
}

// CodesFor lists the exit codes mapped to category c, in ascending order.
func CodesFor(c Category) []int {
	codes := make([]int, 0, 2)
	for code, cat := range exitCategories {
		if cat == c {
			codes = append(codes, code)
		}
	}
	slices.Sort(codes)
	return codes
}

func (c Category) String() string {
	switch c {
	case Success:
		return "success"
	case GenericFailure:
		return "generic_failure"
	case NotFound:
		return "not_found"
	case TransientRemote:
		return "transient_remote"
	case PermanentRemote:
		return "permanent_remote"
	case Unclassified:
		return "unclassified"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Kind maps a non-success category onto the error taxonomy.
func (c Category) Kind() model.ErrorKind {
	switch c {
	case TransientRemote:
		return model.ErrRemoteTransient
	case PermanentRemote:
		return model.ErrRemotePermanent
	case NotFound:
		return model.ErrRemoteNotFound
	default:
		return model.ErrTransferGeneric
	}
}

func (c Category) Retryable() bool {
	return c == TransientRemote
}

func (c Category) Fatal() bool {
	switch c {
	case GenericFailure, NotFound, PermanentRemote:
		return true
	default:
		return false
	}
}

// Describe is the user-facing explanation used in notifications.
func (c Category) Describe() string {
	switch c {
	case Success:
		return "the transfer completed successfully"
	case GenericFailure:
		return "rclone reported a generic error (syntax, usage or uncategorised failure)"
	case NotFound:
		return "rclone could not find a directory or file"
	case TransientRemote:
		return "the remote reported a temporary error such as rate limiting"
	case PermanentRemote:
		return "the remote reported an error that retrying will not fix (account, quota or permission problem)"
	default:
		return "rclone exited with an unrecognised status"
	}
}
