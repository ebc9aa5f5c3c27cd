package provider

import (
	"context"
	"fmt"
	"io"

	"github.com/S0me0neR0man/ourfiles/internal/objfile"
)

// ExportToTree writes every collection's tree structure, its indices and its
// objects as indented text.
func (p *Provider) ExportToTree(ctx context.Context, w io.Writer) error {
	for _, f := range p.openFiles() {
		if err := f.ExportTree(ctx, w); err != nil {
			return err
		}
		cur, err := f.Enumerate(ctx, true)
		if err != nil {
			return err
		}
		for cur.Next() {
			if _, err := fmt.Fprintf(w, "  object %s\n", cur.Document()); err != nil {
				_ = cur.Close()
				return err
			}
		}
		if err := cur.Err(); err != nil {
			_ = cur.Close()
			return err
		}
		_ = cur.Close()
	}
	return nil
}

// Statistics computes the statistics of every open collection.
func (p *Provider) Statistics(ctx context.Context) ([]*objfile.Statistics, error) {
	var out []*objfile.Statistics
	for _, f := range p.openFiles() {
		st, err := f.ComputeStatistics(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// AssertConsistent checks every open collection.
func (p *Provider) AssertConsistent(ctx context.Context) error {
	for _, f := range p.openFiles() {
		if err := f.AssertConsistent(ctx); err != nil {
			return err
		}
	}
	return nil
}
