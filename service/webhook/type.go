package webhook

// IService forwards alarm payloads to an external receiver. The core only
// publishes alarm events; delivery to clients belongs to collaborators like
// this one.
type IService interface {
	Post(payload map[string]interface{}) error
}
