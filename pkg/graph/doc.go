// Package graph maintains the cascade adjacency between playbook nodes. The
// graph is a projection of the descriptor store: every descriptor contributes
// a node plus its outgoing weighted edges, and the store's fingerprints index
// back into the nodes so a cascade target can be resubmitted by fingerprint.
package graph
