package domain

// Unsubscribe tears down a live subscription. Calling it more than once is a no-op.
type Unsubscribe func()
