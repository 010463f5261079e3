package astm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minasoft/lis-gateway/internal/db"
)

const genericTransmission = "H|\\^&|||ANALYZER^1.0|||||||P|1|20240115103000\r" +
	"P|1||PAT01\r" +
	"O|1|S100||^^^GLU\r" +
	"R|1|^^^GLU^Glucose|95|mg/dL|70-110|N||F||||20240115102900\r" +
	"C|1|I|rerun^dilution|G\r" +
	"R|2|^^^XYZ|1.2|mmol/L||H||F\r" +
	"L|1|N\r"

func TestParse_Generic(t *testing.T) {
	msg, err := Parse([]byte(genericTransmission))
	require.NoError(t, err)

	assert.Equal(t, VariantUnknown, msg.Variant)
	assert.Equal(t, "ANALYZER", msg.Header.SenderName)
	require.NotNil(t, msg.Header.Timestamp)
	require.Len(t, msg.Patients, 1)
	assert.Equal(t, "PAT01", msg.Patients[0].PatientID)
	require.Len(t, msg.Orders, 1)
	assert.Equal(t, "S100", msg.Orders[0].SampleID)
	assert.Equal(t, []string{"GLU"}, msg.Orders[0].TestCodes)

	require.Len(t, msg.Results, 2)
	glu := msg.Results[0]
	assert.Equal(t, 1, glu.Sequence)
	assert.Equal(t, "S100", glu.SampleID)
	assert.Equal(t, "PAT01", glu.PatientID)
	assert.Equal(t, "GLU", glu.TestCode)
	assert.Equal(t, "Glucose", glu.TestName)
	assert.Equal(t, "95", glu.Value)
	assert.Equal(t, "mg/dL", glu.Unit)
	assert.Equal(t, "70-110", glu.ReferenceRange)
	assert.Equal(t, db.FlagNormal, glu.Flag)
	assert.Equal(t, "F", glu.Status)
	assert.Equal(t, []string{"rerun dilution"}, glu.Comments)
	require.NotNil(t, glu.CompletedAt)

	xyz := msg.Results[1]
	assert.Equal(t, 2, xyz.Sequence)
	assert.Equal(t, "XYZ", xyz.TestCode)
	assert.Equal(t, db.FlagHigh, xyz.Flag)
	assert.Empty(t, xyz.Comments)
}

func TestParse_FramedWithETBContinuation(t *testing.T) {
	frames := []string{
		frame(1, "H|\\^&|||ANALYZER\r", ETX),
		frame(2, "O|1|S200||^^^K\r", ETX),
		frame(3, "R|1|^^^K|4.", ETB),
		frame(4, "2|mmol/L||N||F\r", ETX),
		frame(5, "L|1\r", ETX),
	}
	raw := []byte{ENQ}
	for _, f := range frames {
		raw = append(raw, f...)
	}
	raw = append(raw, EOT)

	msg, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, msg.Results, 1)
	assert.Equal(t, "S200", msg.Results[0].SampleID)
	assert.Equal(t, "K", msg.Results[0].TestCode)
	assert.Equal(t, "4.2", msg.Results[0].Value)
	assert.Equal(t, "mmol/L", msg.Results[0].Unit)
}

func TestParse_LineFeedRecords(t *testing.T) {
	raw := "H|\\^&\nO|1|S1||^^^NA\nR|1|^^^NA|140|mmol/L\nL|1\n"
	msg, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.Len(t, msg.Results, 1)
	assert.Equal(t, "140", msg.Results[0].Value)
}

func TestParse_SampleIDFallsBackToInstrumentSpecimen(t *testing.T) {
	raw := "H|\\^&\rO|1||INST77|^^^NA\rR|1|^^^NA|140\r"
	msg, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "INST77", msg.Results[0].SampleID)
}

func TestParse_Elecsys(t *testing.T) {
	raw := "H|\\^&|||ELECSYS^E170|||||||P|1\r" +
		"O|1|S300     ||^^^TSH\r" +
		"R|1|^^^HIV|-1^0.35|COI||||F\r" +
		"R|2|^^^HBSAG|1^12.7|COI||||F\r" +
		"R|3|^^^TSH|2.1|mIU/L|0.27-4.2|N||F\r"
	msg, err := Parse([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, VariantElecsys, msg.Variant)
	require.Len(t, msg.Results, 3)
	assert.Equal(t, "S300", msg.Results[0].SampleID)
	assert.Equal(t, "0.35", msg.Results[0].Value)
	assert.Equal(t, db.FlagNegative, msg.Results[0].Flag)
	assert.Equal(t, "12.7", msg.Results[1].Value)
	assert.Equal(t, db.FlagPositive, msg.Results[1].Flag)
	assert.Equal(t, "2.1", msg.Results[2].Value)
	assert.Equal(t, db.FlagNormal, msg.Results[2].Flag)
}

func TestParse_CobasDilutionSuffix(t *testing.T) {
	raw := "H|\\^&|||cobas-e411^1|||||||P|1\rO|1|S400\rR|1|^^^8000/1|5.0|ng/mL\r"
	msg, err := Parse([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, VariantCobas, msg.Variant)
	assert.Equal(t, "8000", msg.Results[0].TestCode)
}

func TestParse_CustomDelimiters(t *testing.T) {
	raw := "H!@#$\rO!1!S5\rR!1!###CRP!3.3!mg/L\r"
	msg, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.Len(t, msg.Results, 1)
	assert.Equal(t, "CRP", msg.Results[0].TestCode)
	assert.Equal(t, "S5", msg.Results[0].SampleID)
}

func TestParse_Errors(t *testing.T) {
	for _, raw := range []string{"", "\x05\x04", "P|1\rR|1|^^^GLU|5\r"} {
		_, err := Parse([]byte(raw))
		var pe *ParseError
		assert.True(t, errors.As(err, &pe), fmt.Sprintf("input %q", raw))
	}
}

func TestMapFlag(t *testing.T) {
	assert.Equal(t, db.FlagCritLow, MapFlag("<"))
	assert.Equal(t, db.FlagCritHigh, MapFlag(">"))
	assert.Equal(t, db.FlagAbnormal, MapFlag("A"))
	assert.Equal(t, db.FlagAbnormal, MapFlag("AA"))
	assert.Equal(t, db.FlagLow, MapFlag("L"))
	assert.Equal(t, db.FlagNone, MapFlag("?"))
}

func TestIsLikelyAstm(t *testing.T) {
	assert.True(t, IsLikelyAstm([]byte(genericTransmission)))
	assert.True(t, IsLikelyAstm([]byte{ENQ}))
	assert.True(t, IsLikelyAstm([]byte("\x021H|\\^&")))
	assert.False(t, IsLikelyAstm([]byte("MSH|^~\\&|A")))
	assert.False(t, IsLikelyAstm([]byte("\x0bMSH|^~\\&|A")))
	assert.False(t, IsLikelyAstm([]byte("HELLO")))
	assert.False(t, IsLikelyAstm(nil))
}
