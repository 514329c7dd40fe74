package sgerror

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	SG_UNEXPECTED         = "SGU"
	SG_CONFIGURATION      = "SGC"
	SG_ROUTING_ERROR      = "SGR"
	SG_CONNECTION_TIMEOUT = "SGT"
	SG_SHARD_UNAVAILABLE  = "SGA"
	SG_QUERY_EXECUTION    = "SGQ"
	SG_PARTIAL_FAILURE    = "SGP"
	SG_CANCELLED          = "SGX"
)

var existingErrorCodeMap = map[string]string{
	SG_CONFIGURATION:      "ConfigurationError",
	SG_ROUTING_ERROR:      "RoutingError",
	SG_CONNECTION_TIMEOUT: "ConnectionTimeoutError",
	SG_SHARD_UNAVAILABLE:  "ShardUnavailableError",
	SG_QUERY_EXECUTION:    "QueryExecutionError",
	SG_PARTIAL_FAILURE:    "BatchPartialFailureError",
	SG_CANCELLED:          "OperationCancelled",
}

func GetMessageByCode(errorCode string) string {
	rep, ok := existingErrorCodeMap[errorCode]
	if ok {
		return rep
	}
	return "UnexpectedError"
}

var _ error = &SgError{}

// SgError is the single error type surfaced by the data-access layer.
// Shard, operation and retry fields are filled in by whichever component
// knows them, so callers can correlate failures.
type SgError struct {
	Err error

	ErrorCode   string
	ShardID     string
	OperationID string
	RetryCount  int
	Transient   bool
}

func New(errorCode string, msg string) *SgError {
	return &SgError{
		Err:       errors.New(msg),
		ErrorCode: errorCode,
	}
}

func Newf(errorCode string, format string, a ...any) *SgError {
	return &SgError{
		Err:       fmt.Errorf(format, a...),
		ErrorCode: errorCode,
	}
}

// Wrap keeps err as the cause. Wrapping an existing SgError with the same
// code returns it unchanged.
func Wrap(errorCode string, err error) *SgError {
	var se *SgError
	if errors.As(err, &se) && se.ErrorCode == errorCode {
		return se
	}
	return &SgError{
		Err:       err,
		ErrorCode: errorCode,
	}
}

func (er *SgError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Code: %s. Name: %s. Description: %s.", er.ErrorCode, GetMessageByCode(er.ErrorCode), er.Err)
	if er.ShardID != "" {
		fmt.Fprintf(&b, " Shard: %s.", er.ShardID)
	}
	if er.OperationID != "" {
		fmt.Fprintf(&b, " Operation: %s. Retries: %d.", er.OperationID, er.RetryCount)
	}
	return b.String()
}

func (er *SgError) Unwrap() error {
	return er.Err
}

func (er *SgError) WithShard(shardID string) *SgError {
	er.ShardID = shardID
	return er
}

func (er *SgError) WithOperation(opID string, retries int) *SgError {
	er.OperationID = opID
	er.RetryCount = retries
	return er
}

func (er *SgError) MarkTransient() *SgError {
	er.Transient = true
	return er
}

// Annotate returns a copy of err carrying the operation context. Errors
// that are not SgError become QueryExecutionError.
func Annotate(err error, shardID, opID string, retries int) *SgError {
	var se *SgError
	if !errors.As(err, &se) {
		se = &SgError{Err: err, ErrorCode: SG_QUERY_EXECUTION}
	}
	cp := *se
	if shardID != "" {
		cp.ShardID = shardID
	}
	cp.OperationID = opID
	cp.RetryCount = retries
	return &cp
}

// Is reports whether any error in err's chain is an SgError with the given code.
func Is(err error, errorCode string) bool {
	var se *SgError
	for err != nil {
		if !errors.As(err, &se) {
			return false
		}
		if se.ErrorCode == errorCode {
			return true
		}
		err = se.Err
	}
	return false
}

func CodeOf(err error) string {
	var se *SgError
	if errors.As(err, &se) {
		return se.ErrorCode
	}
	return SG_UNEXPECTED
}

// IsTransient is true for errors worth retrying: explicitly marked
// transient errors and connection acquire timeouts.
func IsTransient(err error) bool {
	var se *SgError
	if !errors.As(err, &se) {
		return false
	}
	if se.Transient {
		return true
	}
	return se.ErrorCode == SG_CONNECTION_TIMEOUT
}

// PartialFailure is the per-shard outcome of a multi-shard write.
type PartialFailure struct {
	Succeeded []string
	Failed    map[string]error
}

func (p *PartialFailure) Error() string {
	failed := make([]string, 0, len(p.Failed))
	for id := range p.Failed {
		failed = append(failed, id)
	}
	sort.Strings(failed)
	return fmt.Sprintf("write succeeded on shards [%s], failed on shards [%s]",
		strings.Join(p.Succeeded, ","), strings.Join(failed, ","))
}

func NewPartialFailure(opID string, succeeded []string, failed map[string]error) *SgError {
	sort.Strings(succeeded)
	return &SgError{
		Err:         &PartialFailure{Succeeded: succeeded, Failed: failed},
		ErrorCode:   SG_PARTIAL_FAILURE,
		OperationID: opID,
	}
}

func AsPartialFailure(err error) (*PartialFailure, bool) {
	var pf *PartialFailure
	if errors.As(err, &pf) {
		return pf, true
	}
	return nil, false
}
