// internal/di/container.go
package di

import (
	"fmt"
	"sort"
	"sync"
)

// Container 按名称保存服务实例
type Container struct {
	services map[string]interface{}
	mutex    sync.RWMutex
}

var (
	globalContainer *Container
	once            sync.Once
)

// NewContainer 创建一个空容器
func NewContainer() *Container {
	return &Container{services: make(map[string]interface{})}
}

// GetContainer 获取全局容器实例
func GetContainer() *Container {
	once.Do(func() {
		globalContainer = NewContainer()
	})
	return globalContainer
}

// Register 注册服务，同名覆盖
func (c *Container) Register(name string, service interface{}) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.services[name] = service
}

// Get 获取服务，不存在返回 nil
func (c *Container) Get(name string) interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.services[name]
}

// Has 检查服务是否已注册
func (c *Container) Has(name string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	_, exists := c.services[name]
	return exists
}

// Remove 移除服务
func (c *Container) Remove(name string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.services, name)
}

// Clear 清空容器
func (c *Container) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.services = make(map[string]interface{})
}

// GetNames 已注册服务名，按字母排序
func (c *Container) GetNames() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Require 检查一组服务都已注册，返回缺失的第一个
func (c *Container) Require(names ...string) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	for _, name := range names {
		if _, exists := c.services[name]; !exists {
			return fmt.Errorf("service %q not registered", name)
		}
	}
	return nil
}

// Resolve 按类型取出服务
func Resolve[T any](c *Container, name string) (T, bool) {
	service, ok := c.Get(name).(T)
	return service, ok
}

// MustResolve 服务缺失或类型不符时返回错误
func MustResolve[T any](c *Container, name string) (T, error) {
	service := c.Get(name)
	if service == nil {
		var zero T
		return zero, fmt.Errorf("service %q not registered", name)
	}
	typed, ok := service.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("service %q has type %T, want %T", name, service, zero)
	}
	return typed, nil
}
