package render

import (
	"math"

	"openglhelper"

	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl32"
)

// Camera tracks the free-fly viewpoint that drives both World.MoveCamera
// (via Position) and the ray-marching compute pass's view/projection
// uniforms. Trimmed from the teacher's full mouse-look camera down to the
// keyboard-driven surface this engine actually wires up: nothing here
// calls SetMouseCaptured or forwards cursor callbacks, so the yaw/pitch
// mouse-look handlers the teacher carried have no caller and were dropped
// rather than shipped dead.
type Camera struct {
	position mgl32.Vec3
	worldUp  mgl32.Vec3
	front    mgl32.Vec3
	up       mgl32.Vec3
	right    mgl32.Vec3

	yaw   float32
	pitch float32

	fov       float32
	moveSpeed float32

	projection mgl32.Mat4
	width      int
	height     int
}

// NewCamera creates a new camera with sensible defaults.
func NewCamera(position mgl32.Vec3) *Camera {
	camera := &Camera{
		position:  position,
		worldUp:   mgl32.Vec3{0, 1, 0},  // Y-up coordinate system
		front:     mgl32.Vec3{0, 0, -1}, // Looking along negative Z
		yaw:       DefaultYaw,
		pitch:     DefaultPitch,
		fov:       DefaultFOV,
		moveSpeed: DefaultMoveSpeed,
		width:     800,
		height:    600,
	}

	camera.updateCameraVectors()
	camera.updateProjectionMatrix()

	return camera
}

// updateCameraVectors recalculates camera vectors based on Euler angles.
func (c *Camera) updateCameraVectors() {
	front := mgl32.Vec3{
		float32(math.Cos(float64(mgl32.DegToRad(c.yaw))) * math.Cos(float64(mgl32.DegToRad(c.pitch)))),
		float32(math.Sin(float64(mgl32.DegToRad(c.pitch)))),
		float32(math.Sin(float64(mgl32.DegToRad(c.yaw))) * math.Cos(float64(mgl32.DegToRad(c.pitch)))),
	}
	c.front = front.Normalize()

	c.right = c.front.Cross(c.worldUp).Normalize()
	c.up = c.right.Cross(c.front).Normalize()
}

// updateProjectionMatrix recalculates the projection matrix.
func (c *Camera) updateProjectionMatrix() {
	aspect := float32(c.width) / float32(c.height)
	c.projection = mgl32.Perspective(mgl32.DegToRad(c.fov), aspect, 0.1, 1000.0)
}

// UpdateProjectionMatrix updates the projection matrix with new dimensions.
func (c *Camera) UpdateProjectionMatrix(width, height int) {
	c.width = width
	c.height = height
	c.updateProjectionMatrix()
}

// ViewMatrix returns the current view matrix.
func (c *Camera) ViewMatrix() mgl32.Mat4 {
	return mgl32.LookAtV(c.position, c.position.Add(c.front), c.up)
}

// ProjectionMatrix returns the current projection matrix.
func (c *Camera) ProjectionMatrix() mgl32.Mat4 {
	return c.projection
}

// Position returns the current camera position. This is the only surface
// World.MoveCamera consumes.
func (c *Camera) Position() mgl32.Vec3 {
	return c.position
}

// ProcessKeyboardInput processes keyboard input for camera movement.
func (c *Camera) ProcessKeyboardInput(deltaTime float32, window *openglhelper.Window) {
	speed := c.moveSpeed * deltaTime

	if window.GetKeyState(KeyW) == Press {
		c.position = c.position.Add(c.front.Mul(speed))
	}
	if window.GetKeyState(KeyS) == Press {
		c.position = c.position.Sub(c.front.Mul(speed))
	}

	if window.GetKeyState(KeyA) == Press {
		c.position = c.position.Sub(c.right.Mul(speed))
	}
	if window.GetKeyState(KeyD) == Press {
		c.position = c.position.Add(c.right.Mul(speed))
	}

	if window.GetKeyState(KeySpace) == Press {
		c.position = c.position.Add(c.worldUp.Mul(speed))
	}
	if window.GetKeyState(glfw.KeyLeftShift) == Press {
		c.position = c.position.Sub(c.worldUp.Mul(speed))
	}
}
