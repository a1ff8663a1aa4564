// Package session records live chat connections in Redis so that operators
// and other services can see who is connected to which relay node.
package session
