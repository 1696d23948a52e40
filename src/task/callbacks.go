package task

import "fmt"

type CallBack struct {
	onComplete func(result interface{})
	onError    func(err error)
}

func NewCallBack(onComplete func(result interface{}), onError func(err error)) *CallBack {
	return &CallBack{
		onComplete: onComplete,
		onError:    onError,
	}
}

func (cb *CallBack) OnComplete(result interface{}) {
	if cb.onComplete != nil {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					fmt.Printf("Callback panic recovered: %v\n", r)
				}
			}()
			cb.onComplete(result)
		}()
	}
}

func (cb *CallBack) OnError(err error) {
	if cb.onError != nil {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					fmt.Printf("Error callback panic recovered: %v\n", r)
				}
			}()
			cb.onError(err)
		}()
	}
}
