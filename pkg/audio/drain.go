package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this after a consumer stops early so the [Source] goroutine feeding ch
// can finish instead of blocking forever.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
