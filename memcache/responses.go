package memcache

import (
	"sort"

	"github.com/futureweb/gomemcache/errors"
)

// The genericResponse is an union of all single key response types.
// Response interfaces will cover the fact that there's only one
// implementation for everything.
type genericResponse struct {
	// err and status are used by all responses.
	err    error
	status ResponseStatus

	// key is used by get / mutate / count responses.  The rest is used only
	// by get response.
	item Item

	// set to true only for get response
	allowNotFound bool

	// count is used by count response.
	count uint64

	// versions is used by version response.
	versions map[string]string
}

func (r *genericResponse) Status() ResponseStatus {
	return r.status
}

func (r *genericResponse) Error() error {
	if r.err != nil {
		return r.err
	}
	if r.status == StatusNoError {
		return nil
	}
	if r.allowNotFound && r.status == StatusKeyNotFound {
		return nil
	}
	return NewStatusCodeError(r.status)
}

func (r *genericResponse) Key() string {
	return r.item.Key
}

func (r *genericResponse) Value() []byte {
	return r.item.Value
}

func (r *genericResponse) Flags() uint32 {
	return r.item.Flags
}

func (r *genericResponse) DataVersionId() uint64 {
	return r.item.DataVersionId
}

func (r *genericResponse) Count() uint64 {
	return r.count
}

func (r *genericResponse) Versions() map[string]string {
	return r.versions
}

// This creates a Response from an error.
func NewErrorResponse(err error) Response {
	return &genericResponse{
		err: err,
	}
}

// This creates a Response from status.
func NewResponse(status ResponseStatus) Response {
	return &genericResponse{
		status: status,
	}
}

// This creates a GetResponse from an error.
func NewGetErrorResponse(key string, err error) GetResponse {
	resp := &genericResponse{
		err:           err,
		allowNotFound: true,
	}
	resp.item.Key = key
	return resp
}

// This creates a normal GetResponse.
func NewGetResponse(
	key string,
	status ResponseStatus,
	flags uint32,
	value []byte,
	version uint64) GetResponse {

	resp := &genericResponse{
		status:        status,
		allowNotFound: true,
	}
	resp.item.Key = key
	if status == StatusNoError {
		if value == nil {
			resp.item.Value = []byte{}
		} else {
			resp.item.Value = value
		}
		resp.item.Flags = flags
		resp.item.DataVersionId = version
	}
	return resp
}

// This creates a MutateResponse from an error.
func NewMutateErrorResponse(key string, err error) MutateResponse {
	resp := &genericResponse{
		err: err,
	}
	resp.item.Key = key
	return resp
}

// This creates a normal MutateResponse.
func NewMutateResponse(key string, status ResponseStatus) MutateResponse {
	resp := &genericResponse{
		status: status,
	}
	resp.item.Key = key
	return resp
}

// This creates a CountResponse from an error.
func NewCountErrorResponse(key string, err error) CountResponse {
	resp := &genericResponse{
		err: err,
	}
	resp.item.Key = key
	return resp
}

// This creates a normal CountResponse.
func NewCountResponse(
	key string,
	status ResponseStatus,
	count uint64) CountResponse {

	resp := &genericResponse{
		status: status,
	}
	resp.item.Key = key
	if status == StatusNoError {
		resp.count = count
	}
	return resp
}

// This creates a VersionResponse.  err is the first error encountered, if
// any.
func NewVersionResponse(
	err error,
	versions map[string]string) VersionResponse {

	return &genericResponse{
		err:      err,
		versions: versions,
	}
}

type flushResponse struct {
	results []NodeResult
}

// This creates a FlushResponse from per node outcomes.
func NewFlushResponse(results []NodeResult) FlushResponse {
	sorted := make([]NodeResult, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Address < sorted[j].Address
	})
	return &flushResponse{results: sorted}
}

// StatusNoError when every node was flushed, StatusInternalError otherwise.
func (r *flushResponse) Status() ResponseStatus {
	for _, result := range r.results {
		if result.Err != nil {
			return StatusInternalError
		}
	}
	return StatusNoError
}

// nil when every node was flushed.  Use Failed for the per node errors.
func (r *flushResponse) Error() error {
	failed := 0
	var first NodeResult
	for _, result := range r.results {
		if result.Err != nil {
			if failed == 0 {
				first = result
			}
			failed++
		}
	}
	if failed == 0 {
		return nil
	}
	return errors.Wrapf(
		first.Err,
		"Flush failed on %d of %d nodes (first: %s)",
		failed,
		len(r.results),
		first.Address)
}

func (r *flushResponse) Results() []NodeResult {
	return r.results
}

func (r *flushResponse) Succeeded() []string {
	result := make([]string, 0, len(r.results))
	for _, nodeResult := range r.results {
		if nodeResult.Err == nil {
			result = append(result, nodeResult.Address)
		}
	}
	return result
}

func (r *flushResponse) Failed() map[string]error {
	result := make(map[string]error)
	for _, nodeResult := range r.results {
		if nodeResult.Err != nil {
			result[nodeResult.Address] = nodeResult.Err
		}
	}
	return result
}
