// Package mock provides mock implementations of agent.Runtime and
// agent.Session for testing slot pool behavior without spawning real
// processes.
package mock
