package tensor

import (
	"runtime"
	"sync"
)

// Tile sizes of the blocked kernel. They are variables so tests can sweep
// them without recompilation.
var (
	tileM = 32
	tileN = 32
)

// GemmTransBPar computes C = alpha*A*Bᵀ + beta*C. B is stored as
// [C.C, A.C], the layout of fully connected and convolution weights.
func GemmTransBPar(C, A, B *Mat, alpha, beta float32, workers int) {
	if A.C != B.C || C.R != A.R || C.C != B.R {
		panic("gemm: dimension mismatch")
	}
	parallelRows(C.R, workers, func(rs, re int) {
		scaleRows(C, beta, rs, re)
		for i0 := rs; i0 < re; i0 += tileM {
			iMax := min(i0+tileM, re)
			for j0 := 0; j0 < B.R; j0 += tileN {
				jMax := min(j0+tileN, B.R)
				for i := i0; i < iMax; i++ {
					a := A.Row(i)
					c := C.Row(i)
					for j := j0; j < jMax; j++ {
						c[j] += alpha * Dot(a, B.Row(j))
					}
				}
			}
		}
	})
}

func scaleRows(C *Mat, beta float32, rs, re int) {
	if beta == 1 {
		return
	}
	for i := rs; i < re; i++ {
		row := C.Row(i)
		if beta == 0 {
			clear(row)
			continue
		}
		for j := range row {
			row[j] *= beta
		}
	}
}

// parallelRows splits [0, rows) into contiguous chunks, one per worker.
func parallelRows(rows, workers int, fn func(rs, re int)) {
	if rows == 0 {
		return
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = min(workers, rows)
	if workers <= 1 {
		fn(0, rows)
		return
	}
	chunk := (rows + workers - 1) / workers
	var wg sync.WaitGroup
	for rs := 0; rs < rows; rs += chunk {
		re := min(rs+chunk, rows)
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(rs, re)
		}()
	}
	wg.Wait()
}
