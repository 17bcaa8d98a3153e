// Package ent holds the generated database access layer.
package ent

//go:generate go run -mod=mod entgo.io/ent/cmd/ent generate ./schema
