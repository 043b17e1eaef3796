package poc

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/hpgscan/api/schemas"
)

func TestFlatten_JQueryHTMLSink(t *testing.T) {
	tpl, err := Flatten(`LIBOBJ(WILDCARD).html(PAYLOAD)`)
	require.NoError(t, err)

	root := tpl.Construct(tpl.Root)
	require.NotNil(t, root)
	assert.Equal(t, schemas.NodeCallExpression, root.Type)
	assert.Equal(t, "c0", root.ID)

	// call -> member, PAYLOAD -> call, html -> LIBOBJ, WILDCARD
	require.Len(t, tpl.SearchOrder, 4)
	assert.Equal(t, []string{"c0"}, tpl.SearchOrder[0])
	assert.Equal(t, []string{"c1", "c2"}, tpl.SearchOrder[1])

	payload := tpl.Construct("c2")
	assert.Equal(t, Payload, payload.Code)
	assert.Equal(t, schemas.RelArguments, payload.Relation)
	assert.Equal(t, []string{"c2"}, tpl.Payloads)

	assert.Equal(t, []string{"html"}, tpl.Fullset, "placeholders never enter the fullset")
	assert.NotEmpty(t, tpl.LibraryObject)
	assert.Equal(t, LibraryObject, tpl.Construct(tpl.LibraryObject).Code)
}

func TestFlatten_LevelsCoverEveryConstructOnce(t *testing.T) {
	tpl, err := Flatten(`LIBOBJ.ajax({url: PAYLOAD, dataType: "script"})`)
	require.NoError(t, err)

	seen := make(map[string]int)
	for _, level := range tpl.SearchOrder {
		for _, id := range level {
			seen[id]++
		}
	}
	assert.Len(t, seen, len(tpl.Constructs))
	for id, n := range seen {
		assert.Equal(t, 1, n, "construct %s listed more than once", id)
	}

	for id, c := range tpl.Constructs {
		if c.Parent == "" {
			continue
		}
		parent := tpl.Construct(c.Parent)
		require.NotNil(t, parent, id)
		assert.Contains(t, parent.Children, id)
		assert.Equal(t, parent.Level+1, c.Level)
	}
	assert.True(t, tpl.InFullset("script"))
	assert.True(t, tpl.InFullset("dataType"))
	assert.False(t, tpl.InFullset(Payload))
}

func TestFlatten_LibraryObjectBinding(t *testing.T) {
	tests := []struct {
		name     string
		opt      Option
		wantType schemas.NodeType
		wantFull []string
	}{
		{"module id", WithLibraryObject("692", true), schemas.NodeLiteral, []string{"692", "html"}},
		{"global", WithLibraryObject("jQuery", false), schemas.NodeIdentifier, []string{"html", "jQuery"}},
		{"structural", WithLibraryObject("", true), schemas.NodeIdentifier, []string{"html"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl, err := Flatten(`LIBOBJ.html(PAYLOAD)`, tt.opt)
			require.NoError(t, err)
			lib := tpl.Construct(tpl.LibraryObject)
			require.NotNil(t, lib)
			assert.Equal(t, tt.wantType, lib.Type)
			if diff := cmp.Diff(tt.wantFull, tpl.Fullset); diff != "" {
				t.Errorf("fullset mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFlatten_ComputedMember(t *testing.T) {
	tpl, err := Flatten(`LIBOBJ["html"](PAYLOAD)`)
	require.NoError(t, err)
	member := tpl.Construct("c1")
	require.NotNil(t, member)
	assert.Equal(t, schemas.NodeMemberExpression, member.Type)
	assert.True(t, member.Computed)

	prop := tpl.Construct(member.Children[1])
	assert.Equal(t, schemas.NodeLiteral, prop.Type)
	assert.Equal(t, "html", prop.Code)
	assert.Equal(t, schemas.RelProperty, prop.Relation)
}

func TestFlatten_Errors(t *testing.T) {
	_, err := Flatten(`a(;`)
	assert.ErrorIs(t, err, ErrInvalidTemplate)

	_, err = Flatten(`a(); b()`)
	assert.ErrorIs(t, err, ErrInvalidTemplate)

	_, err = Flatten(`var x = 1`)
	assert.ErrorIs(t, err, ErrInvalidTemplate)

	_, err = Flatten("LIBOBJ.html(`${PAYLOAD}`)")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestIsPlaceholder(t *testing.T) {
	assert.True(t, IsPlaceholder("LIBOBJ"))
	assert.True(t, IsPlaceholder("PAYLOAD"))
	assert.True(t, IsPlaceholder("WILDCARD"))
	assert.False(t, IsPlaceholder("payload"))
	assert.False(t, IsPlaceholder(""))
}
