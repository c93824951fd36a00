package model

import "gonum.org/v1/gonum/floats"

// ParamGroup describes one optimizer group for metrics reporting.
type ParamGroup struct {
	Name         string
	LearningRate float64
}

// SGD is stochastic gradient descent with momentum over a parameter set.
// Frozen parameters are left untouched by Step.
type SGD struct {
	params   []*Parameter
	lr       float64
	momentum float64
	velocity map[string][]float64
}

// NewSGD builds an optimizer over params.
func NewSGD(params []*Parameter, lr, momentum float64) *SGD {
	return &SGD{
		params:   params,
		lr:       lr,
		momentum: momentum,
		velocity: make(map[string][]float64, len(params)),
	}
}

// ZeroGrad clears every parameter's gradient accumulator.
func (s *SGD) ZeroGrad() {
	for _, p := range s.params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// Step applies one update: v = momentum*v + grad; value -= lr*v.
func (s *SGD) Step() {
	for _, p := range s.params {
		if p.Frozen {
			continue
		}
		v, ok := s.velocity[p.Name]
		if !ok {
			v = make([]float64, len(p.Value))
			s.velocity[p.Name] = v
		}
		floats.Scale(s.momentum, v)
		floats.Add(v, p.Grad)
		floats.AddScaled(p.Value, -s.lr, v)
	}
}

// ParamGroups reports the learning rate per unfrozen parameter.
func (s *SGD) ParamGroups() []ParamGroup {
	groups := make([]ParamGroup, 0, len(s.params))
	for _, p := range s.params {
		if p.Frozen {
			continue
		}
		groups = append(groups, ParamGroup{Name: p.Name, LearningRate: s.lr})
	}
	return groups
}
