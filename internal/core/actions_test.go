package core

import (
	"testing"

	"medical-translator/pkg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeToolCall_SetLanguage(t *testing.T) {
	a, err := DecodeToolCall(ToolSetLanguage, `{"clinicianLanguage":"en","patientLanguage":"fr"}`)
	require.NoError(t, err)
	assert.Equal(t, SetLanguageAction{ClinicianLanguage: pkg.LangEnglish, PatientLanguage: pkg.LangFrench}, a)

	a, err = DecodeToolCall(ToolSetLanguage, `{"clinicianLanguage":"en","patientLanguage":"tl"}`)
	require.NoError(t, err)
	sl := a.(SetLanguageAction)
	assert.Equal(t, pkg.LangOther, sl.PatientLanguage)
	assert.True(t, sl.Coerced)

	_, err = DecodeToolCall(ToolSetLanguage, `{"patientLanguage":"es"}`)
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

func TestDecodeToolCall_Translation(t *testing.T) {
	a, err := DecodeToolCall(ToolProcessMessageTranslation,
		`{"isClinician":false,"originalText":"Me duele la cabeza","originalLanguage":"es","translatedText":"My head hurts","translatedLanguage":"en"}`)
	require.NoError(t, err)
	tr := a.(TranslationAction)
	assert.False(t, tr.IsClinician)
	assert.Equal(t, pkg.LangSpanish, tr.OriginalLanguage)
	require.NotNil(t, tr.TranslatedLanguage)
	assert.Equal(t, pkg.LangEnglish, *tr.TranslatedLanguage)

	nm := tr.NewMessage("s1")
	require.NoError(t, nm.Validate())
	assert.Equal(t, "Me duele la cabeza", *nm.OriginalText)

	_, err = DecodeToolCall(ToolProcessMessageTranslation, `{"originalText":"hi","originalLanguage":"en"}`)
	assert.ErrorIs(t, err, ErrInvalidArguments)
	assert.ErrorContains(t, err, "isClinician")
}

func TestDecodeToolCall_MedicalActions(t *testing.T) {
	a, err := DecodeToolCall(ToolSendLabOrder, `{"patientName":"Ana Ruiz"}`)
	require.NoError(t, err)
	assert.Equal(t, LabOrderAction{PatientName: "Ana Ruiz", LabTests: []string{}}, a)

	_, err = DecodeToolCall(ToolSendLabOrder, `{"labTests":["CBC"]}`)
	assert.ErrorIs(t, err, ErrInvalidArguments)

	a, err = DecodeToolCall(ToolScheduleFollowup, `{"source":"clinician"}`)
	require.NoError(t, err)
	assert.Equal(t, FollowupAction{Source: "clinician"}, a)

	_, err = DecodeToolCall(ToolScheduleFollowup, `not json`)
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

func TestDecodeToolCall_RepeatAndUnknown(t *testing.T) {
	a, err := DecodeToolCall(ToolRepeatAudio, "")
	require.NoError(t, err)
	assert.Equal(t, RepeatAudioAction{}, a)

	_, err = DecodeToolCall("sendLabOrder", `{}`)
	assert.ErrorIs(t, err, ErrUnknownTool)
}
