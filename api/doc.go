/*
Package api defines the HTTP API of a key server: request and response
types and the paths they are served on.

The handlers live in package httpserver and a client in package
api/clients. All bodies are JSON. Node ids, key ids and signatures are
hex encoded; errors are reported as ErrorResponse with the status code
mapped from the protocol error.
*/
package api
