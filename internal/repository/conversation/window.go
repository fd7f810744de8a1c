package conversation

import "pair_chat/internal/model"

// window maps a 1-based page of the newest-first history onto an
// oldest-first sequence of total messages. It returns the half-open range
// [lo, hi) of that sequence; lo == hi when the page is past the end.
func window(total int64, page, size int) (lo, hi int64, err error) {
	if page < 1 || size < 1 {
		return 0, 0, ErrInvalidPage
	}
	skip := int64(page-1) * int64(size)
	hi = total - skip
	if hi <= 0 {
		return 0, 0, nil
	}
	lo = hi - int64(size)
	if lo < 0 {
		lo = 0
	}
	return lo, hi, nil
}

func reverse(msgs []*model.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
