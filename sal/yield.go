package sal

import "runtime"

func osYield() { runtime.Gosched() }
