// Package embeddings turns pattern fingerprints into vectors for
// similarity search.
//
// Providers: "hash" (deterministic feature hashing, no model download),
// "fastembed" (local ONNX, requires CGO), and "tei" or "openai" (any
// OpenAI-compatible embeddings endpoint through langchaingo).
package embeddings
