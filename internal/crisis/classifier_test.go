package crisis

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crisis-intervention/backend/internal/models"
)

func TestClassify_Tiers(t *testing.T) {
	c := NewClassifier(DefaultTiers())

	cases := []struct {
		text string
		want models.CrisisLevel
	}{
		{"I want to kill myself", models.CrisisCritical},
		{"he threatened me and it scared me", models.CrisisHigh},
		{"he has a weapon and I'm scared", models.CrisisHigh},
		{"I'm scared to go home", models.CrisisMedium},
		{"Can I book a consultation next week?", models.CrisisLow},
		{"", models.CrisisLow},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, c.Classify(tc.text), tc.text)
	}
}

func TestClassify_CaseInsensitive(t *testing.T) {
	c := NewClassifier(DefaultTiers())

	assert.Equal(t, models.CrisisCritical, c.Classify("I WANT TO DIE"))
	assert.Equal(t, models.CrisisHigh, c.Classify("There is a Gun in the house"))
}

func TestClassify_SevereTierWinsOverEarlierMildPhrase(t *testing.T) {
	c := NewClassifier(DefaultTiers())

	level, phrase := c.ClassifyWithMatch("I'm scared and worried, he said he is going to kill me")

	assert.Equal(t, models.CrisisCritical, level)
	assert.Equal(t, "going to kill me", phrase)
}

func TestClassify_CustomTiers(t *testing.T) {
	c := NewClassifier(Tiers{
		Critical: []string{"  Socorro  "},
		Medium:   []string{"miedo", ""},
	})

	assert.Equal(t, models.CrisisCritical, c.Classify("socorro por favor"))
	assert.Equal(t, models.CrisisMedium, c.Classify("tengo miedo"))
	assert.Equal(t, models.CrisisLow, c.Classify("weapon"))
}

func TestLoadTiers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiers.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"critical":["au secours"],"high":["arme"],"medium":["peur"]}`), 0o600))

	tiers, err := LoadTiers(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"arme"}, tiers.High)

	c := NewClassifier(tiers)
	assert.Equal(t, models.CrisisHigh, c.Classify("il a une arme et j'ai peur"))
}

func TestLoadTiers_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadTiers(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{}`), 0o600))
	_, err = LoadTiers(empty)
	assert.Error(t, err)
}
