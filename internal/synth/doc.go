// Package synth coordinates speech synthesis for segments of long-form
// text. A Coordinator deduplicates requests by cache key, orders them by
// priority, limits concurrency per backend, and publishes ready and failed
// events. Audio that is already cached is reported without synthesis.
package synth
