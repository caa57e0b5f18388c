package queue

// Keys names the Redis keys of one queue. The queue name is a hash tag, so
// every key of a queue, job hashes included, lives in one cluster slot.
type Keys struct {
	prefix string
}

func NewKeys(queue string) Keys {
	return Keys{prefix: "{" + queue + "}"}
}

func (k Keys) JobPrefix() string    { return k.prefix + ":job:" }
func (k Keys) Job(id string) string { return k.JobPrefix() + id }
func (k Keys) Wait() string         { return k.prefix + ":wait" }
func (k Keys) Delayed() string      { return k.prefix + ":delayed" }
func (k Keys) Active() string       { return k.prefix + ":active" }
func (k Keys) Completed() string    { return k.prefix + ":completed" }
func (k Keys) Failed() string       { return k.prefix + ":failed" }
func (k Keys) Dedupe() string       { return k.prefix + ":dedupe" }
func (k Keys) Seq() string          { return k.prefix + ":seq" }
func (k Keys) Set(s State) string   { return k.prefix + ":" + setName(s) }

func setName(s State) string {
	if s == StateWaiting {
		return "wait"
	}
	return string(s)
}
