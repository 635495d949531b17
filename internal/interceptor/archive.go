package interceptor

// archive keeps the most recent retired requests, oldest first.
type archive struct {
	limit int
	items []TrackedRequest
}

func newArchive(limit int) *archive {
	return &archive{limit: limit}
}

func (a *archive) push(r TrackedRequest) {
	if a.limit <= 0 {
		return
	}
	if len(a.items) == a.limit {
		copy(a.items, a.items[1:])
		a.items = a.items[:len(a.items)-1]
	}
	a.items = append(a.items, r)
}

func (a *archive) get(id string) (TrackedRequest, bool) {
	for i := len(a.items) - 1; i >= 0; i-- {
		if a.items[i].ID == id {
			return a.items[i], true
		}
	}
	return TrackedRequest{}, false
}

func (a *archive) list() []TrackedRequest {
	return append([]TrackedRequest(nil), a.items...)
}

func (a *archive) clear() int {
	n := len(a.items)
	a.items = nil
	return n
}
