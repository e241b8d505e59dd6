package flow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/item-flow/internal/model"
)

func TestExtractNumericCode(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		want   *int
		parsed bool
	}{
		{"null", nil, nil, true},
		{"float code", 101.0, iptr(101), true},
		{"fractional float", 101.5, nil, false},
		{"int code", 101, iptr(101), true},
		{"plain string", "101", iptr(101), true},
		{"embedded code", "Code 101 (Akkuwerkzeug)", iptr(101), true},
		{"no digits", "Akkuwerkzeug", nil, false},
		{"object", map[string]any{}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, parsed := extractNumericCode(tt.value)
			assert.Equal(t, tt.parsed, parsed)
			if tt.want == nil {
				assert.Nil(t, got)
			} else {
				require.NotNil(t, got)
				assert.Equal(t, *tt.want, *got)
			}
		})
	}
}

func TestUnwrapCategorizerRecord(t *testing.T) {
	// Nested item wrapper.
	rec := unwrapCategorizerRecord(map[string]any{
		"item": map[string]any{model.FieldMainCategoryA: 10.0},
	})
	require.NotNil(t, rec)
	assert.Equal(t, 10.0, rec[model.FieldMainCategoryA])

	// Single-pair alias naming maps onto pair A.
	rec = unwrapCategorizerRecord(map[string]any{
		"Hauptkategorien": 10.0,
		"Unterkategorien": 101.0,
	})
	require.NotNil(t, rec)
	assert.Equal(t, 10.0, rec[model.FieldMainCategoryA])
	assert.Equal(t, 101.0, rec[model.FieldSubCategoryA])

	// The canonical field wins over its alias.
	rec = unwrapCategorizerRecord(map[string]any{
		"Hauptkategorien":        10.0,
		model.FieldMainCategoryA: 20.0,
	})
	require.NotNil(t, rec)
	assert.Equal(t, 20.0, rec[model.FieldMainCategoryA])

	assert.Nil(t, unwrapCategorizerRecord(map[string]any{"Hersteller": "Bosch"}))
}

func TestCollectAssignments(t *testing.T) {
	c := &Categorizer{}
	target := &model.Target{
		ItemNumber:    "A-1",
		Description:   "Akkuschrauber",
		MainCategoryA: iptr(10),
		Locked:        []string{model.FieldSubCategoryB},
	}

	assignments := c.collectAssignments(target, map[string]any{
		model.FieldMainCategoryA: nil,   // null over existing code: no-op
		model.FieldSubCategoryA:  101.0, // assigned
		model.FieldMainCategoryB: nil,   // null over empty field: explicit null
		model.FieldSubCategoryB:  201.0, // locked: skipped
	})

	assert.NotContains(t, assignments, model.FieldMainCategoryA)
	require.Contains(t, assignments, model.FieldSubCategoryA)
	assert.Equal(t, 101, *assignments[model.FieldSubCategoryA])
	require.Contains(t, assignments, model.FieldMainCategoryB)
	assert.Nil(t, assignments[model.FieldMainCategoryB])
	assert.NotContains(t, assignments, model.FieldSubCategoryB)
}

func TestCollectAssignments_RejectsUnusableValues(t *testing.T) {
	c := &Categorizer{}
	target := &model.Target{ItemNumber: "A-1", Description: "Akkuschrauber"}

	assignments := c.collectAssignments(target, map[string]any{
		model.FieldMainCategoryA: -3.0,         // non-positive
		model.FieldSubCategoryA:  "keine Zahl", // unparseable
	})
	assert.Empty(t, assignments)
}

func TestApplyAssignments(t *testing.T) {
	target := &model.Target{
		ItemNumber:    "A-1",
		Description:   "Akkuschrauber",
		MainCategoryA: iptr(10),
	}

	merged := ApplyAssignments(target, map[string]*int{
		model.FieldSubCategoryA:  iptr(101),
		model.FieldMainCategoryB: nil,
	})

	// The original is untouched.
	assert.Nil(t, target.SubCategoryA)

	require.NotNil(t, merged.SubCategoryA)
	assert.Equal(t, 101, *merged.SubCategoryA)
	assert.Nil(t, merged.MainCategoryB)
	require.NotNil(t, merged.MainCategoryA)
	assert.Equal(t, 10, *merged.MainCategoryA)
}

func TestCategorize_RequiresReference(t *testing.T) {
	c := NewCategorizer(&mockChatClient{}, nil, "m", 1024, nil)
	_, err := c.Categorize(context.Background(), &model.Target{ItemNumber: "A-1"}, "")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeCategorizerReference))
}

func TestCategorize_EndToEnd(t *testing.T) {
	chat := &mockChatClient{}
	chat.On("CreateMessage", mock.Anything, forStage("Kategorien-Referenz:")).
		Return(textResponse(`{"Hauptkategorien_A": "10", "Unterkategorien_A": 101}`), nil).Once()

	c := NewCategorizer(chat, testTaxonomy(), "m", 1024, nil)
	target := &model.Target{ItemNumber: "A-1", Description: "Akkuschrauber"}

	assignments, err := c.Categorize(context.Background(), target, "bitte prüfen")
	require.NoError(t, err)
	require.Len(t, assignments, 2)
	assert.Equal(t, 10, *assignments[model.FieldMainCategoryA])
	assert.Equal(t, 101, *assignments[model.FieldSubCategoryA])
	chat.AssertExpectations(t)
}

func TestCategorize_InvalidJSON(t *testing.T) {
	chat := &mockChatClient{}
	chat.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("keine Kategorien gefunden"), nil)

	c := NewCategorizer(chat, testTaxonomy(), "m", 1024, nil)
	_, err := c.Categorize(context.Background(), &model.Target{ItemNumber: "A-1", Description: "x"}, "")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeCategorizerInvalidJSON))
}

func TestCategorize_NoCategoryFields(t *testing.T) {
	chat := &mockChatClient{}
	chat.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"Hersteller": "Bosch"}`), nil)

	c := NewCategorizer(chat, testTaxonomy(), "m", 1024, nil)
	_, err := c.Categorize(context.Background(), &model.Target{ItemNumber: "A-1", Description: "x"}, "")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeCategorizerSchema))
}
