// Package crawler holds the domain types, collaborator interfaces, error
// taxonomy and retry policy shared by the batch-crawl engine and every concrete
// pipeline built on it.
package crawler
