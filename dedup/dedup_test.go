package dedup

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dhcgn/mailnorm/model"
	"github.com/dhcgn/mailnorm/state"
)

func img(data string, page int) model.RenderedImage {
	return model.RenderedImage{Data: []byte(data), Page: page, Ext: "jpg"}
}

func pages(images []model.RenderedImage) []int {
	out := make([]int, 0, len(images))
	for _, i := range images {
		out = append(out, i.Page)
	}
	return out
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Fingerprint(nil))
	assert.Len(t, Fingerprint([]byte("x")), 64)
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("")
	require.NoError(t, err)
	assert.Equal(t, ScopeMessage, s)

	s, err = ParseScope(" Global ")
	require.NoError(t, err)
	assert.Equal(t, ScopeGlobal, s)

	_, err = ParseScope("mailbox")
	assert.Error(t, err)
}

func TestPartition_IdenticalPages(t *testing.T) {
	d, err := New(ScopeMessage, nil)
	require.NoError(t, err)

	accepted, rejected, err := d.Partition("msg", []model.RenderedImage{img("same", 1), img("same", 2)})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, pages(accepted))
	assert.Equal(t, []int{2}, pages(rejected))
	assert.Equal(t, Fingerprint([]byte("same")), accepted[0].Fingerprint)
}

func TestPartition_KeepsOrder(t *testing.T) {
	d, err := New(ScopeMessage, nil)
	require.NoError(t, err)

	in := []model.RenderedImage{img("a", 1), img("b", 2), img("a", 3), img("c", 4), img("b", 5)}
	accepted, rejected, err := d.Partition("msg", in)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 4}, pages(accepted))
	assert.Equal(t, []int{3, 5}, pages(rejected))
}

func TestPartition_Empty(t *testing.T) {
	d, err := New(ScopeMessage, nil)
	require.NoError(t, err)

	accepted, rejected, err := d.Partition("msg", nil)
	require.NoError(t, err)
	assert.NotNil(t, accepted)
	assert.Empty(t, accepted)
	assert.Empty(t, rejected)
}

func TestPartition_GlobalScope(t *testing.T) {
	index := state.NewMemoryTracker()
	d, err := New(ScopeGlobal, index)
	require.NoError(t, err)

	accepted, _, err := d.Partition("msg-1", []model.RenderedImage{img("logo", 1), img("body-1", 2)})
	require.NoError(t, err)
	assert.Len(t, accepted, 2)

	accepted, rejected, err := d.Partition("msg-2", []model.RenderedImage{img("logo", 1), img("body-2", 2)})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, pages(accepted))
	assert.Equal(t, []int{1}, pages(rejected))

	// Reprocessing the first message yields the same result.
	accepted, _, err = d.Partition("msg-1", []model.RenderedImage{img("logo", 1), img("body-1", 2)})
	require.NoError(t, err)
	assert.Len(t, accepted, 2)
}

func TestRollback_ReleasesClaims(t *testing.T) {
	index := state.NewMemoryTracker()
	d, err := New(ScopeGlobal, index)
	require.NoError(t, err)

	accepted, _, err := d.Partition("msg-1", []model.RenderedImage{img("logo", 1)})
	require.NoError(t, err)
	require.NoError(t, d.Rollback("msg-1", accepted))

	accepted, _, err = d.Partition("msg-2", []model.RenderedImage{img("logo", 1)})
	require.NoError(t, err)
	assert.Len(t, accepted, 1)
}

type failingIndex struct {
	*state.MemoryTracker
	failOn string
}

func (f *failingIndex) Claim(fp, owner string) (bool, error) {
	if fp == f.failOn {
		return false, errors.New("disk full")
	}
	return f.MemoryTracker.Claim(fp, owner)
}

func TestPartition_ClaimErrorRollsBack(t *testing.T) {
	index := &failingIndex{MemoryTracker: state.NewMemoryTracker(), failOn: Fingerprint([]byte("b"))}
	d, err := New(ScopeGlobal, index)
	require.NoError(t, err)

	_, _, err = d.Partition("msg-1", []model.RenderedImage{img("a", 1), img("b", 2)})
	require.Error(t, err)
	assert.False(t, index.AlreadyProcessed(Fingerprint([]byte("a"))))
}

type releaseFailingIndex struct {
	*state.MemoryTracker
	failOn string
}

func (f *releaseFailingIndex) Release(fp, owner string) error {
	if fp == f.failOn {
		return errors.New("database is locked")
	}
	return f.MemoryTracker.Release(fp, owner)
}

func TestRollback_ReportsReleaseErrors(t *testing.T) {
	index := &releaseFailingIndex{MemoryTracker: state.NewMemoryTracker(), failOn: Fingerprint([]byte("a"))}
	d, err := New(ScopeGlobal, index)
	require.NoError(t, err)

	accepted, _, err := d.Partition("msg-1", []model.RenderedImage{img("a", 1), img("b", 2)})
	require.NoError(t, err)
	require.Len(t, accepted, 2)

	err = d.Rollback("msg-1", accepted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.False(t, index.AlreadyProcessed(Fingerprint([]byte("b"))), "remaining claims are still released")
}

func TestRollback_MessageScopeIsNoop(t *testing.T) {
	d, err := New(ScopeMessage, nil)
	require.NoError(t, err)
	assert.NoError(t, d.Rollback("msg-1", []model.RenderedImage{img("a", 1)}))
}

func TestNew_GlobalNeedsIndex(t *testing.T) {
	_, err := New(ScopeGlobal, nil)
	assert.Error(t, err)
}

func TestPartition_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		values := rapid.SliceOf(rapid.SampledFrom([]string{"a", "b", "c", "d"})).Draw(t, "pages")
		in := make([]model.RenderedImage, len(values))
		for i, v := range values {
			in[i] = img(v, i+1)
		}

		d, _ := New(ScopeMessage, nil)
		accepted, rejected, err := d.Partition("msg", in)
		if err != nil {
			t.Fatal(err)
		}
		if len(accepted)+len(rejected) != len(in) {
			t.Fatalf("lost images: %d + %d != %d", len(accepted), len(rejected), len(in))
		}

		seen := map[string]bool{}
		last := 0
		for _, a := range accepted {
			if seen[a.Fingerprint] {
				t.Fatalf("duplicate fingerprint accepted on page %d", a.Page)
			}
			seen[a.Fingerprint] = true
			if a.Page <= last {
				t.Fatalf("order not preserved: %d after %d", a.Page, last)
			}
			last = a.Page
		}
		for _, r := range rejected {
			if !seen[r.Fingerprint] {
				t.Fatalf("rejected page %d has no accepted twin", r.Page)
			}
		}
	})
}
