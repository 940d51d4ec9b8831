/*
Package identity provides types and routines for resolving handles and DIDs from the network

The two main abstractions are a Directory interface for identity lookup implementations, and an Identity struct which represents the resolved core identity information (DID, declared handle, service endpoints). The Directory interface can be nested, somewhat like HTTP middleware, to provide caching, observability, or other bespoke needs in more complex systems.
*/
package identity
