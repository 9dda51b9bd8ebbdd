// Package vectorstore stores message embeddings and answers
// participant-filtered nearest-neighbour queries.
//
// Two backends implement Index: Qdrant over gRPC for production and chromem-go
// as an embedded store for development and tests. Both keep the collection
// schema explicit: EnsureSchema creates the collection and the participants
// keyword index, and refuses a collection whose dimension does not match.
package vectorstore
