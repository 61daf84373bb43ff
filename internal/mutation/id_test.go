package mutation

import (
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTemporary_Format(t *testing.T) {
	id := NewTemporary(EntityStudySession)

	assert.True(t, id.IsTemporary())
	assert.False(t, id.IsReal())
	assert.True(t, strings.HasPrefix(id.String(), "temp_study_session_"))
	assert.NotContains(t, strings.TrimPrefix(id.String(), "temp_study_session_"), "-")
	assert.NotEqual(t, id, NewTemporary(EntityStudySession))
}

func TestParseID(t *testing.T) {
	tests := []struct {
		in   string
		kind IDKind
	}{
		{"temp_course_abc", KindTemporary},
		{"c-42", KindReal},
		{"", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.kind, ParseID(tt.in).Kind())
		})
	}
}

func TestLooksTemporary(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"temp_course_1", true},
		{"temp_study_session_0190abc", true},
		{NewTemporary(EntityLecture).String(), true},
		{"temp_course_", false},
		{"temp_notes", false},
		{"temp_widget_1", false},
		{"c-42", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, LooksTemporary(tt.in))
		})
	}
}

func TestID_KeyDistinguishesTag(t *testing.T) {
	// A server id that happens to carry the temp prefix is still real.
	realLooksTemp := Real("temp_course_1")
	temp := Temporary("temp_course_1")

	assert.NotEqual(t, realLooksTemp.Key(), temp.Key())
	assert.NotEqual(t, realLooksTemp, temp)
}

func TestID_JSONRoundTrip(t *testing.T) {
	for _, id := range []ID{Temporary("temp_lecture_1"), Real("temp_lecture_1"), Real("l-9"), {}} {
		data, err := json.Marshal(id)
		require.NoError(t, err)

		var got ID
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, id, got, "encoded as %s", data)
	}
}

func TestID_MarshalTaggedForm(t *testing.T) {
	data, err := json.Marshal(Temporary("temp_course_1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"temp":"temp_course_1"}`, string(data))

	data, err = json.Marshal(Real("c1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"real":"c1"}`, string(data))
}

func TestID_UnmarshalLegacyString(t *testing.T) {
	var id ID
	require.NoError(t, json.Unmarshal([]byte(`"temp_course_7"`), &id))
	assert.Equal(t, Temporary("temp_course_7"), id)

	require.NoError(t, json.Unmarshal([]byte(`"c7"`), &id))
	assert.Equal(t, Real("c7"), id)
}

func TestID_UnmarshalRejectsBothTags(t *testing.T) {
	var id ID
	err := json.Unmarshal([]byte(`{"temp":"a","real":"b"}`), &id)
	require.Error(t, err)
}
