package config

import "github.com/transistorfet/ruxpin-sub000/internal/mem"

// DefaultPoolPages is the number of physical page frames boot hands to
// the page pool when no larger pool is otherwise configured, grounded
// on dmap.go's compiled-in VDIRECT/DMAPLEN slot constants playing the
// same role for biscuit (a fixed size chosen at build time, not parsed
// from any runtime input).
const DefaultPoolPages = 16384

// DefaultPoolBytes is DefaultPoolPages expressed in bytes, the form
// mem.NewPagePool's totalBytes parameter expects.
const DefaultPoolBytes = DefaultPoolPages * mem.PageSize
