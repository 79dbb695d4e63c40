package feed

// Reason type discriminators, written to the skeleton's $type field.
const (
	TypeReasonRepost = "app.bsky.feed.defs#skeletonReasonRepost"
	TypeReasonRating = "dev.feedlens.defs#skeletonReasonRating"
)

// Reason annotates why a post is in the feed. It is a closed variant:
// either a repost reference or a rating annotation.
type Reason interface {
	isReason()
}

// ReasonRepost points at the repost record that put the post in the feed.
type ReasonRepost struct {
	Type   string `json:"$type"`
	Repost string `json:"repost"`
}

func (ReasonRepost) isReason() {}

// ReasonRating carries the model-derived score for the post.
type ReasonRating struct {
	Type        string  `json:"$type"`
	Metric      string  `json:"metric"`
	Rating      float64 `json:"rating"`
	Explanation string  `json:"explanation"`
}

func (ReasonRating) isReason() {}

// NewReasonRating builds a rating reason with its $type set.
func NewReasonRating(metric string, rating float64, explanation string) ReasonRating {
	return ReasonRating{
		Type:        TypeReasonRating,
		Metric:      metric,
		Rating:      rating,
		Explanation: explanation,
	}
}

// SkeletonItem is one entry of a feed skeleton page.
type SkeletonItem struct {
	Post   string `json:"post"`
	Reason Reason `json:"reason,omitempty"`
}

// Skeleton is one page of a feed plus the cursor for the next page. The
// cursor is empty when the caller has reached the end.
type Skeleton struct {
	Cursor string         `json:"cursor,omitempty"`
	Feed   []SkeletonItem `json:"feed"`
}
