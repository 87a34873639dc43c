package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategory_SideEffecting(t *testing.T) {
	assert.False(t, CategoryRead.SideEffecting())
	assert.True(t, CategoryWrite.SideEffecting())
	assert.True(t, CategoryShell.SideEffecting())
	assert.True(t, CategoryWeb.SideEffecting())
	assert.True(t, CategoryGeneral.SideEffecting())
}

func TestIsValidCategory(t *testing.T) {
	assert.True(t, IsValidCategory("read"))
	assert.True(t, IsValidCategory("SHELL"))
	assert.False(t, IsValidCategory("quantum"))
	assert.False(t, IsValidCategory(""))
}

func TestDefinition_DescribeEffect(t *testing.T) {
	t.Run("custom effect", func(t *testing.T) {
		def := testDef("write_file")
		def.Effect = func(args map[string]interface{}) string {
			return "write 12 bytes to /tmp/out"
		}
		assert.Equal(t, "write 12 bytes to /tmp/out", def.DescribeEffect(nil))
	})

	t.Run("fallback sorts keys", func(t *testing.T) {
		def := testDef("echo")
		got := def.DescribeEffect(map[string]interface{}{"b": 2, "a": 1})
		assert.Equal(t, "echo(a=1, b=2)", got)
	})

	t.Run("no args", func(t *testing.T) {
		def := testDef("echo")
		assert.Equal(t, "echo()", def.DescribeEffect(nil))
	})
}

func TestDefinition_PermissionTarget(t *testing.T) {
	def := testDef("exec")
	assert.Empty(t, def.PermissionTarget(map[string]interface{}{"command": "ls -la"}))

	def.Target = func(args map[string]interface{}) string {
		cmd, _ := args["command"].(string)
		return cmd
	}
	assert.Equal(t, "ls -la", def.PermissionTarget(map[string]interface{}{"command": "ls -la"}))
}
