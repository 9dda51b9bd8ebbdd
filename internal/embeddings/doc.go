// Package embeddings turns message text into vectors.
//
// Four providers are supported: a TEI (Text Embeddings Inference) server,
// OpenAI, Google's OpenAI-compatible endpoint, and FastEmbed (local ONNX,
// cgo builds only). NewProvider picks one from configuration and wraps it
// with a rate limiter and OpenTelemetry instrumentation.
package embeddings
