package render

import (
	"github.com/go-gl/glfw/v3.3/glfw"
)

// Key constants for keyboard input
const (
	KeyW        = glfw.KeyW
	KeyA        = glfw.KeyA
	KeyS        = glfw.KeyS
	KeyD        = glfw.KeyD
	KeySpace    = glfw.KeySpace
	KeyEscape   = glfw.KeyEscape
	KeyLeftCtrl = glfw.KeyLeftControl
)

// Action constants for key states
const (
	Press   = glfw.Press
	Release = glfw.Release
	Repeat  = glfw.Repeat
)

// Camera constants
const (
	DefaultMoveSpeed = 10.0

	// Default orientation
	DefaultYaw   = -90.0 // Facing -Z direction
	DefaultPitch = 0.0

	DefaultFOV = 45.0
)
