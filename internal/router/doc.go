// Package router exposes the server pools over gRPC: routing a key to its
// owning backend, inspecting a pool's continuum and reporting backend
// failures from the data path. Messages are protobuf Struct values so the
// service needs no generated code.
package router
