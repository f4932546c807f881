package ffmpeg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitCommand(t *testing.T) {
	cmd := `-preset veryfast -vf "scale=1280:-1" -c:v libx264`
	expected := []string{"-preset", "veryfast", "-vf", "scale=1280:-1", "-c:v", "libx264"}

	args, err := SplitCommand(cmd)
	assert.NoError(t, err)
	assert.Equal(t, expected, args)

	_, err = SplitCommand(`-vf "unterminated`)
	assert.Error(t, err)
}

func TestParseExtraArgs(t *testing.T) {
	t.Run("Valid args", func(t *testing.T) {
		args, err := ParseExtraArgs(`-preset veryfast -crf 23`)
		assert.NoError(t, err)
		assert.Equal(t, []string{"-preset", "veryfast", "-crf", "23"}, args)
	})

	t.Run("Empty", func(t *testing.T) {
		args, err := ParseExtraArgs("")
		assert.NoError(t, err)
		assert.Empty(t, args)
	})

	t.Run("Reserved option", func(t *testing.T) {
		_, err := ParseExtraArgs(`-i /etc/passwd`)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "option -i is reserved")
	})

	t.Run("Disallowed character (semicolon)", func(t *testing.T) {
		_, err := ParseExtraArgs(`-crf 23; ls`)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "disallowed character found in argument: 23;")
	})

	t.Run("Disallowed character (dollar)", func(t *testing.T) {
		_, err := ParseExtraArgs(`-vf "crop=$(($RANDOM))"`)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "disallowed character found in argument: crop=$(($RANDOM))")
	})
}
