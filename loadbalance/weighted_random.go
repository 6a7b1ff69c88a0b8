package loadbalance

import (
	"math/rand/v2"
	"remotectl/registry"
)

// WeightedRandomBalancer picks an instance with probability proportional to its weight.
// Instances advertised without a weight count as weight 1.
type WeightedRandomBalancer struct{}

func weightOf(instance registry.ServiceInstance) int {
	if instance.Weight <= 0 {
		return 1
	}
	return instance.Weight
}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance, _ string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, errNoInstances
	}

	// 计算总权重
	totalWeight := 0
	for _, v := range instances {
		totalWeight += weightOf(v)
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.IntN(totalWeight)
	for i := range instances {
		r -= weightOf(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
