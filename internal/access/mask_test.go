package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskValue(t *testing.T) {
	cases := []struct {
		in   any
		mask MaskType
		want any
	}{
		{"4111222233334444", MaskPartial, "41************44"},
		{"abcd", MaskPartial, "****"},
		{"jane.doe@plant.example", MaskPartial, "ja******@plant.example"},
		{"j@x.io", MaskPartial, "j@x.io"},
		{"ab@x.io", MaskPartial, "a*@x.io"},
		{123456, MaskPartial, "12**56"},
		{"secret", MaskFull, nil},
		{"plain", MaskNone, "plain"},
		{nil, MaskPartial, nil},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MaskValue(tc.in, tc.mask), "%v/%s", tc.in, tc.mask)
	}
}

func TestApplyPresentationRemovesHiddenFields(t *testing.T) {
	record := map[string]any{"salary": 100, "name": "Alma", "badge": "B-1234"}
	out := ApplyPresentation(record, map[string]Presentation{
		"salary": {},
		"badge":  {Visible: true, Mask: MaskPartial},
	})
	assert.Equal(t, map[string]any{"name": "Alma", "badge": "B-**34"}, out)
	assert.Len(t, record, 3)
}
