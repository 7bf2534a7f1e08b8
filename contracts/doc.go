// Package contracts defines the message envelope and error taxonomy shared
// by producers, consumers, and the broker core.
package contracts
